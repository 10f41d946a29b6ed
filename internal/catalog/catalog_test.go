package catalog_test

import (
	"path/filepath"
	"testing"

	"github.com/eteran/lightbox/internal/catalog"
	"github.com/eteran/lightbox/internal/config"

	"github.com/stretchr/testify/require"
)

const schema = `
CREATE TABLE profiles (id TEXT PRIMARY KEY, avatar_url TEXT);
CREATE TABLE portfolio_items (id INTEGER PRIMARY KEY, user_id TEXT, image_url TEXT);
CREATE TABLE galleries (id INTEGER PRIMARY KEY, user_id TEXT, cover_image_url TEXT);
CREATE TABLE gallery_photos (id INTEGER PRIMARY KEY, user_id TEXT, photo_url TEXT);
CREATE TABLE invitations (id INTEGER PRIMARY KEY, user_id TEXT, cover_image_url TEXT, gallery_image_urls TEXT);

INSERT INTO profiles VALUES ('owner-1', 'https://cdn.example.com/owner-1/avatars/a.jpg');
INSERT INTO profiles VALUES ('owner-2', 'https://cdn.example.com/owner-2/avatars/b.jpg');
INSERT INTO portfolio_items (user_id, image_url) VALUES ('owner-1', 'https://cdn.example.com/owner-1/portfolio/p.jpg');
INSERT INTO portfolio_items (user_id, image_url) VALUES ('owner-1', NULL);
INSERT INTO galleries (user_id, cover_image_url) VALUES ('owner-1', '');
INSERT INTO gallery_photos (user_id, photo_url) VALUES ('owner-2', 'https://cdn.example.com/owner-2/g/x.jpg');
INSERT INTO invitations (user_id, cover_image_url, gallery_image_urls) VALUES
  ('owner-1', 'https://cdn.example.com/owner-1/inv/cover.jpg',
   '["https://cdn.example.com/owner-1/inv/1.jpg", "https://cdn.example.com/owner-1/inv/2.jpg"]');
`

func TestSQLSourceKnownURLs(t *testing.T) {
	t.Parallel()

	db, err := catalog.Open(catalog.DriverSQLite, filepath.Join(t.TempDir(), "app.sqlite"))
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(t.Context(), schema)
	require.NoError(t, err, "create schema")

	refs, err := catalog.ParseReferences(config.DefaultReferences)
	require.NoError(t, err, "ParseReferences error")
	require.Len(t, refs, 6, "default references")

	src := catalog.NewSQLSource(db, catalog.DriverSQLite, refs)

	urls, err := src.KnownURLs(t.Context(), "owner-1")
	require.NoError(t, err, "KnownURLs error")
	require.ElementsMatch(t, []string{
		"https://cdn.example.com/owner-1/avatars/a.jpg",
		"https://cdn.example.com/owner-1/portfolio/p.jpg",
		"https://cdn.example.com/owner-1/inv/cover.jpg",
		"https://cdn.example.com/owner-1/inv/1.jpg",
		"https://cdn.example.com/owner-1/inv/2.jpg",
	}, urls, "only owner-1's non-empty URLs")
}

func TestParseReferencesRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{
		"",
		"profiles.avatar_url",
		"profiles:id",
		"profiles.avatar_url;drop table x:id",
		"profiles.avatar_url:id or 1=1",
	} {
		_, err := catalog.ParseReferences(spec)
		require.ErrorIsf(t, err, catalog.ErrInvalidReference, "spec %q", spec)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := catalog.Open("mysql", "dsn")
	require.ErrorIs(t, err, catalog.ErrUnknownDriver)
}

func TestExpandValue(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"https://a/x.jpg"}, catalog.ExpandValue(" https://a/x.jpg "))
	require.Equal(t, []string{"https://a/1.jpg", "https://a/2.jpg"}, catalog.ExpandValue(`["https://a/1.jpg","","https://a/2.jpg"]`))
	require.Equal(t, []string{"https://a/1.jpg", "https://a/2.jpg"}, catalog.ExpandValue(`{https://a/1.jpg,"https://a/2.jpg"}`))
	require.Empty(t, catalog.ExpandValue("{}"))
	require.Empty(t, catalog.ExpandValue("[]"))
	require.Empty(t, catalog.ExpandValue(""))
}
