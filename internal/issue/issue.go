// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"maps"
	"slices"

	"github.com/charmbracelet/glamour"
)

const (
	MediaNotFoundId Id = iota + 1
	MediaMountFailedId
	ReleaseNotFoundId
	DistributionFailedId
	RestrictedDistributionId
	PackageDependencyFailedId
	PackageCycleId
	ConfigLoadFailedId
	PermissionDeniedId
)

type (
	Id int

	MarkdownMsg string

	HttpLink string

	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
		extLinks []HttpLink
	}
)

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

func (i *Issue) Render(stylePath string) (string, error) {
	extraMd := ""
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		extraMd += "\n\n## See also:\n"
		for _, link := range i.docLinks {
			extraMd += "- [" + string(link) + "]\n"
		}
		for _, link := range i.extLinks {
			extraMd += "- [" + string(link) + "]\n"
		}
	}
	return render(string(i.mdMsg)+extraMd, stylePath)
}

var (
	render = glamour.Render

	mediaNotFoundIssue = &Issue{
		id: MediaNotFoundId,
		mdMsg: `
# Installation media not found!

The selected medium did not contain the file that was requested, even after
trying every known directory layout.

## Layouts that were tried (in order):
1. ` + "`<root>/<file>`" + `
2. ` + "`<root>/dists/<file>`" + `
3. ` + "`<root>/<release>/<file>`" + `
4. ` + "`<root>/<release>/dists/<file>`" + `

## Things you can try:
- Check that the release name in your configuration matches the media
- Insert the correct disc or tape and retry
- Choose a different installation medium`,
		docLinks: []HttpLink{"https://docs.freebsd.org/en/books/handbook/bsdinstall/"},
	}

	mediaMountFailedIssue = &Issue{
		id: MediaMountFailedId,
		mdMsg: `
# Unable to mount the installation media!

The device or remote export could not be mounted.

## Things you can try:
- Verify the device name (e.g. ` + "`/dev/cd0`" + `) in your configuration
- For NFS, check that the export allows this host and try ` + "`nfs.secure: true`" + `
- For slow links, set ` + "`nfs.slow: true`" + ` to use smaller transfer sizes`,
	}

	releaseNotFoundIssue = &Issue{
		id: ReleaseNotFoundId,
		mdMsg: `
# Release not found on this server!

None of the standard directories contained the requested release.

## Directories searched (in order):
1. The configured base directory
2. ` + "`releases/<arch>`" + `
3. ` + "`snapshots/<arch>`" + `
4. ` + "`pub/FreeBSD`" + `
5. ` + "`pub/FreeBSD/releases/<arch>`" + `
6. ` + "`pub/FreeBSD/snapshots/<arch>`" + `

## Things you can try:
- Pick another mirror
- Accept "any" release to install whatever the server carries`,
	}

	distributionFailedIssue = &Issue{
		id: DistributionFailedId,
		mdMsg: `
# Distribution extraction failed!

One or more distributions could not be fetched or unpacked. Their selection
was kept so the extraction can be retried.

## Things you can try:
- Retry the extraction; pieces that were missing may appear on another disc
- Check free space on the target file system
- Switch to a different installation medium`,
	}

	restrictedDistributionIssue = &Issue{
		id: RestrictedDistributionId,
		mdMsg: `
# Restricted distribution unavailable

A distribution marked as export-restricted was not present on this medium.
This is expected on media built for international distribution, and the
install continues without it.`,
	}

	packageDependencyFailedIssue = &Issue{
		id: PackageDependencyFailedId,
		mdMsg: `
# Package dependencies not satisfied!

A package could not be installed because one of its run-time dependencies
is missing from the package index or failed to install.

## Things you can try:
- Install the dependency from another medium first
- Deselect the package; unrelated packages were still installed`,
	}

	packageCycleIssue = &Issue{
		id: PackageCycleId,
		mdMsg: `
# Dependency cycle detected!

The run-time dependencies in the package index form a cycle, so no install
order exists for the packages involved.

## Things you can try:
- Use an index generated for this release
- Deselect one of the packages in the cycle`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

## Things you can try:
- Check the CUE syntax of your config file
- Show the effective configuration:
~~~
$ sysinst config show
~~~
- Recreate the defaults:
~~~
$ sysinst config init
~~~`,
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied!

Mounting media and writing to the install root require superuser privileges.

## Things you can try:
- Run the installer as root
- Use an already-mounted directory as the medium (empty ` + "`media.device`" + `)`,
	}

	issues = map[Id]*Issue{
		mediaNotFoundIssue.Id():           mediaNotFoundIssue,
		mediaMountFailedIssue.Id():        mediaMountFailedIssue,
		releaseNotFoundIssue.Id():         releaseNotFoundIssue,
		distributionFailedIssue.Id():      distributionFailedIssue,
		restrictedDistributionIssue.Id():  restrictedDistributionIssue,
		packageDependencyFailedIssue.Id(): packageDependencyFailedIssue,
		packageCycleIssue.Id():            packageCycleIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		permissionDeniedIssue.Id():        permissionDeniedIssue,
	}
)

// Values returns every catalog entry ordered by Id.
func Values() []*Issue {
	ids := slices.Sorted(maps.Keys(issues))
	out := make([]*Issue, 0, len(ids))
	for _, id := range ids {
		out = append(out, issues[id])
	}
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
