// Package ui renders the HTML pages served next to the JSON API.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"

	"github.com/eteran/lightbox/internal/reconcile"
)

// writeAll writes each part in order and stops at the first error.
func writeAll(w io.Writer, parts ...string) error {
	for _, p := range parts {
		if _, err := io.WriteString(w, p); err != nil {
			return err
		}
	}
	return nil
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<!DOCTYPE html><html lang=\"en\">",
			"<head><meta charset=\"utf-8\">",
			"<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">",
			"<title>", html.EscapeString(title), "</title>",
			// Minimal modern CSS framework (Pico.css) via CDN.
			"<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">",
			"</head>",
			"<body><main class=\"container\">",
		)
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		return writeAll(w, "</main></body></html>")
	})
}

// ReportPage renders a reconciliation report for owner.
func ReportPage(owner string, report *reconcile.Report) templ.Component {
	return Layout("Lightbox - Orphaned objects", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		mode := "Dry run: nothing was deleted."
		if !report.DryRun {
			mode = "Live run: orphans were deleted."
		}

		err := writeAll(w,
			"<section><header><h1>Orphaned objects</h1>",
			"<p>", html.EscapeString(mode), "</p></header>",
			"<table><tbody>",
			row("Owner", owner),
			row("Prefix", report.Prefix),
			row("Objects in store", fmt.Sprint(report.TotalObjectsFound)),
			row("Known references", fmt.Sprint(report.TotalKnownKeys)),
			row("Orphans", fmt.Sprint(report.OrphanCount)),
		)
		if err != nil {
			return err
		}

		if !report.DryRun {
			err = writeAll(w,
				row("Deleted", fmt.Sprint(report.DeletedCount)),
				row("Failed", fmt.Sprint(report.FailedCount)),
			)
			if err != nil {
				return err
			}
		}

		if err := writeAll(w, "</tbody></table>"); err != nil {
			return err
		}

		if len(report.SampleOrphanKeys) == 0 {
			return writeAll(w, "<p>No orphaned objects found.</p></section>")
		}

		heading := "Orphaned keys"
		if report.OrphanCount > len(report.SampleOrphanKeys) {
			heading = fmt.Sprintf("First %d of %d orphaned keys", len(report.SampleOrphanKeys), report.OrphanCount)
		}

		if err := writeAll(w, "<h2>", html.EscapeString(heading), "</h2><ul>"); err != nil {
			return err
		}
		for _, key := range report.SampleOrphanKeys {
			if err := writeAll(w, "<li><code>", html.EscapeString(key), "</code></li>"); err != nil {
				return err
			}
		}

		return writeAll(w, "</ul></section>")
	}))
}

func row(label string, value string) string {
	return "<tr><th>" + html.EscapeString(label) + "</th><td>" + html.EscapeString(value) + "</td></tr>"
}
