package dataproxy

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawObject(t *testing.T, s string) map[string]any {
	t.Helper()
	m, err := decodeObject([]byte(s))
	require.NoError(t, err)
	return m
}

func TestDecodeContainerBucket(t *testing.T) {
	raw := rawObject(t, `{"name":"tvb-widgets","objects_count":3,"bytes":271489,
		"last_modified":"2023-06-01","is_public":false,"role":"administrator",
		"is_initialized":true,"unknown":{"nested":1}}`)
	c, err := DecodeContainer(BucketRef("ignored-when-name-present"), raw)
	require.NoError(t, err)
	assert.Equal(t, KindBucket, c.Kind)
	assert.Equal(t, "tvb-widgets", c.Name)
	assert.Equal(t, "tvb-widgets", c.ID())
	assert.EqualValues(t, 3, c.ObjectsCount)
	assert.EqualValues(t, 271489, c.TotalBytes)
	require.NotNil(t, c.IsPublic)
	assert.False(t, *c.IsPublic)
	assert.Equal(t, "administrator", c.Role)
	assert.True(t, c.IsInitialized)
	assert.Equal(t, "/v1/buckets/tvb-widgets/dir/a.txt", c.Path("/dir/a.txt"))
}

func TestDecodeContainerDatasetKeepsEntityID(t *testing.T) {
	raw := rawObject(t, `{"name":"My dataset","objects_count":null}`)
	c, err := DecodeContainer(DatasetRef("d-123"), raw)
	require.NoError(t, err)
	assert.Equal(t, "My dataset", c.Name)
	assert.Equal(t, "d-123", c.ID())
	assert.Equal(t, "d-123", c.EntityID)
	assert.Nil(t, c.IsPublic, "absent is_public stays unknown")
	assert.Zero(t, c.ObjectsCount)
	assert.Equal(t, "/v1/datasets/d-123", c.Path(""))
}

func TestDecodeContainerMissingName(t *testing.T) {
	c, err := DecodeContainer(BucketRef("b"), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID())
}

func TestDecodeEntry(t *testing.T) {
	e, err := DecodeEntry(rawObject(t, `{"hash":"abc","last_modified":"x","bytes":2203,
		"name":"eeg_63.txt","content_type":"text/plain","surprise":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, Entry{ContentHash: "abc", LastModified: "x", SizeBytes: 2203, Name: "eeg_63.txt", ContentType: "text/plain"}, e)

	e, err = DecodeEntry(rawObject(t, `{"name":"only-name"}`))
	require.NoError(t, err)
	assert.Equal(t, Entry{Name: "only-name"}, e)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		`{"name":5}`,
		`{"bytes":"12"}`,
		`{"bytes":-1}`,
		`{"bytes":1.5}`,
		`{"name":"a","content_type":false}`,
	}
	for _, s := range cases {
		_, err := DecodeEntry(rawObject(t, s))
		assert.ErrorIs(t, err, ErrMalformedResponse, s)
	}
	_, err := DecodeContainer(BucketRef("b"), rawObject(t, `{"is_public":"yes"}`))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDecodeObjectRejectsNonObjects(t *testing.T) {
	for _, s := range []string{`[]`, `null`, `"x"`, `{`} {
		_, err := decodeObject([]byte(s))
		assert.True(t, errors.Is(err, ErrMalformedResponse), s)
	}
}

func TestAsCount(t *testing.T) {
	n, err := asCount(json.Number("9007199254740993"))
	require.NoError(t, err)
	assert.EqualValues(t, int64(9007199254740993), n)
	_, err = asCount(json.Number("1e3"))
	assert.Error(t, err)
}

func TestKindAndErrors(t *testing.T) {
	for in, want := range map[string]Kind{"": KindBucket, "Bucket": KindBucket, "datasets": KindDataset} {
		k, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, k)
	}
	_, err := ParseKind("drive")
	assert.Error(t, err)

	e := &Error{Op: "stat", Path: "/v1/buckets/b/stat", StatusCode: 401, Err: ErrAccessDenied}
	assert.True(t, IsAccessDenied(e))
	assert.Equal(t, 401, StatusCode(e))
	assert.Contains(t, e.Error(), "status 401")
	assert.True(t, IsNotFound(ErrEntryNotFound))
}
