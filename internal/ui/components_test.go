package ui_test

import (
	"strings"
	"testing"

	"github.com/eteran/lightbox/internal/reconcile"
	"github.com/eteran/lightbox/internal/ui"

	"github.com/stretchr/testify/require"
)

func render(t *testing.T, owner string, report *reconcile.Report) string {
	t.Helper()

	var b strings.Builder
	require.NoError(t, ui.ReportPage(owner, report).Render(t.Context(), &b))
	return b.String()
}

func TestReportPageDryRun(t *testing.T) {
	t.Parallel()

	out := render(t, "owner-1", &reconcile.Report{
		Success:           true,
		DryRun:            true,
		Prefix:            "owner-1/portfolio/",
		TotalObjectsFound: 3,
		TotalKnownKeys:    1,
		OrphanCount:       2,
		SampleOrphanKeys:  []string{"owner-1/portfolio/a.jpg", "owner-1/portfolio/<c>.jpg"},
	})

	require.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	require.Contains(t, out, "Dry run")
	require.Contains(t, out, "<code>owner-1/portfolio/a.jpg</code>")
	require.Contains(t, out, "&lt;c&gt;.jpg", "keys are escaped")
	require.NotContains(t, out, "Deleted", "dry runs have no delete counts")
	require.True(t, strings.HasSuffix(out, "</html>"))
}

func TestReportPageLiveAndSampled(t *testing.T) {
	t.Parallel()

	out := render(t, "owner-1", &reconcile.Report{
		Success:          true,
		Prefix:           "owner-1/",
		OrphanCount:      25,
		DeletedCount:     24,
		FailedCount:      1,
		SampleOrphanKeys: []string{"owner-1/a.jpg"},
	})

	require.Contains(t, out, "Live run")
	require.Contains(t, out, "<th>Deleted</th><td>24</td>")
	require.Contains(t, out, "First 1 of 25 orphaned keys")
}

func TestReportPageEmpty(t *testing.T) {
	t.Parallel()

	out := render(t, "owner-1", &reconcile.Report{Success: true, DryRun: true, Prefix: "owner-1/", SampleOrphanKeys: []string{}})
	require.Contains(t, out, "No orphaned objects found.")
}
