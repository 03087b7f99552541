package extractor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectEndSkipsBracesInStrings(t *testing.T) {
	t.Parallel()

	s := `x = {"a":"}{","b":{"c":"\"}"}} ; rest`
	end := objectEnd(s, 4)
	require.Equal(t, `{"a":"}{","b":{"c":"\"}"}}`, s[4:end])

	require.Equal(t, -1, objectEnd(`{"open":`, 0))
}

func TestParseDocumentViews(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><title> Car </title>
<meta name="description" content="Опис">
<script type="application/ld+json">[{"@type":"Car","name":"A"},{"@graph":[{"@type":"Offer","price":10}]}]</script>
</head><body><p>Visible   text</p><script>window.__STATE__ = {"user":{"profile":{"name":"Ira"}},"ids":[{"id":1},{"id":2}]};</script></body></html>`)

	doc, err := ParseDocument(body, []string{"window.__MISSING__", "window.__STATE__"})
	require.NoError(t, err)

	require.Equal(t, "Car Опис Visible text", doc.Text)
	require.Len(t, doc.LD, 3)
	require.Equal(t, []string{"10"}, doc.ldValues("price"))
	require.Len(t, doc.State, 1)
	require.Equal(t, []string{"Ira"}, doc.stateValues("profile.name"))
	require.Equal(t, []string{"1", "2"}, doc.stateValues("ids.id"))
	require.Empty(t, doc.stateValues("nothing.here"))
}

func TestStateValuesPreferShallowestMatch(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body><script>window.__PINIA__ = {
"related":[{"car":{"vin":"WBAKR010400A22222"}}],
"zz":{"recommended":{"vin":"WBAKR010400A33333"}},
"listing":{"vin":"WBAKR010400A11111"}};</script></body></html>`)

	for i := 0; i < 50; i++ {
		doc, err := ParseDocument(body, []string{"window.__PINIA__"})
		require.NoError(t, err)
		require.Equal(t, []string{
			"WBAKR010400A11111",
			"WBAKR010400A33333",
			"WBAKR010400A22222",
		}, doc.stateValues("vin"))
	}
}
