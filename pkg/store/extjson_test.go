package store

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/flexsync/pkg/types"
)

func extJSONFixture(t *testing.T) *SubscriptionSet {
	t.Helper()
	s := newTestStore(t)
	return commitQueries(t, s,
		namedQuery{"puppies", types.Query{ClassName: "Dog", QueryString: "age == 1"}},
		namedQuery{"adults", types.Query{ClassName: "Dog", QueryString: "age == 3"}},
		namedQuery{"kids", types.Query{ClassName: "Person", QueryString: "age == 10"}})
}

func TestToExtJSONShape(t *testing.T) {
	set := extJSONFixture(t)

	doc, err := set.ToExtJSON()
	require.NoError(t, err)

	var parsed map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	assert.Equal(t, map[string]map[string]string{
		"Dog": {
			"puppies": "age == 1",
			"adults":  "age == 3",
		},
		"Person": {
			"kids": "age == 10",
		},
	}, parsed)
}

func TestToExtJSONEmptySet(t *testing.T) {
	s := newTestStore(t)
	latest, err := s.GetLatest()
	require.NoError(t, err)

	doc, err := latest.ToExtJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", doc)
}

func TestToExtJSONUnnamedSubscriptionKeyedByID(t *testing.T) {
	s := newTestStore(t)
	latest, err := s.GetLatest()
	require.NoError(t, err)
	m, err := latest.MakeMutableCopy()
	require.NoError(t, err)
	idx, _, err := m.InsertOrAssignQuery(queryDogs)
	require.NoError(t, err)
	id := m.At(idx).ID
	set, err := m.Commit()
	require.NoError(t, err)

	doc, err := set.ToExtJSON()
	require.NoError(t, err)

	var parsed map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	require.Contains(t, parsed, "Dog")
	assert.Equal(t, queryDogs.QueryString, parsed["Dog"][id.String()])
}

// The byte form is a wire contract with the server: classes and
// subscription names in sorted order, one stable rendering per set.
func TestToExtJSONGolden(t *testing.T) {
	set := extJSONFixture(t)

	doc, err := set.ToExtJSON()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "ext_json", []byte(doc))
}

// Serialization is canonical: parsing the document and serializing the
// parsed form again yields the same bytes.
func TestToExtJSONStable(t *testing.T) {
	set := extJSONFixture(t)

	doc, err := set.ToExtJSON()
	require.NoError(t, err)

	var parsed map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	remarshaled, err := json.Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, doc, string(remarshaled))

	again, err := set.ToExtJSON()
	require.NoError(t, err)
	assert.Equal(t, doc, again)
}
