package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestResolvePath(t *testing.T) {
	doc := map[string]interface{}{
		"src": map[string]interface{}{
			"ip":   "10.0.0.5",
			"port": 22,
		},
		"user": bson.M{
			"name": "root",
		},
		"tags": []interface{}{"a", "b"},
		"nil":  nil,
	}

	v, ok := ResolvePath(doc, "src.ip")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.5", v)

	// bson.M segments resolve like plain maps
	v, ok = ResolvePath(doc, "user.name")
	assert.True(t, ok)
	assert.Equal(t, "root", v)

	v, ok = ResolvePath(doc, "tags")
	assert.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b"}, v)

	_, ok = ResolvePath(doc, "src.missing")
	assert.False(t, ok)

	// descending into a scalar resolves to nothing
	_, ok = ResolvePath(doc, "src.ip.extra")
	assert.False(t, ok)

	// an explicit null is treated as absent
	_, ok = ResolvePath(doc, "nil")
	assert.False(t, ok)

	_, ok = ResolvePath(doc, "")
	assert.False(t, ok)
}

func TestResolvePathBsonD(t *testing.T) {
	doc := map[string]interface{}{
		"raw": bson.D{{Key: "host", Value: "web-1"}},
	}
	v, ok := ResolvePath(doc, "raw.host")
	assert.True(t, ok)
	assert.Equal(t, "web-1", v)
}

func TestBuildPathMergesPrefixes(t *testing.T) {
	dst := map[string]interface{}{}
	BuildPath(dst, "src.ip", "10.0.0.5")
	BuildPath(dst, "src.port", 22)
	BuildPath(dst, "user", "root")

	assert.Equal(t, map[string]interface{}{
		"src": map[string]interface{}{
			"ip":   "10.0.0.5",
			"port": 22,
		},
		"user": "root",
	}, dst)
}

func TestAsList(t *testing.T) {
	items, ok := AsList([]interface{}{"a", 1})
	assert.True(t, ok)
	assert.Len(t, items, 2)

	items, ok = AsList(bson.A{"x"})
	assert.True(t, ok)
	assert.Equal(t, []interface{}{"x"}, items)

	items, ok = AsList([]string{"p", "q"})
	assert.True(t, ok)
	assert.Equal(t, []interface{}{"p", "q"}, items)

	_, ok = AsList("scalar")
	assert.False(t, ok)
}

func TestNormalizeListOrderAndDuplicates(t *testing.T) {
	a := NormalizeList([]interface{}{"b", "a", "a"})
	b := NormalizeList([]interface{}{"a", "b"})
	assert.Equal(t, b, a)
	assert.Equal(t, []interface{}{"a", "b"}, a)
}
