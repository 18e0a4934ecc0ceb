package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
)

const idKey = "_id"

// fieldName maps a column to its document key; the primary key is stored
// as _id
func fieldName(res *schema.Resource, column string) string {
	if column == res.PrimaryKey {
		return idKey
	}
	return column
}

// toDocument converts column values into a document
func toDocument(res *schema.Resource, values storage.Record) bson.M {
	doc := make(bson.M, len(values))
	for k, v := range values {
		if !res.IsColumn(k) {
			continue
		}
		doc[fieldName(res, k)] = v
	}
	return doc
}

// withDefaults fills every column missing from values with its default,
// or null
func withDefaults(res *schema.Resource, values storage.Record) storage.Record {
	out := make(storage.Record, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, f := range res.Fields() {
		if _, ok := out[f.Name]; ok || f.Name == res.PrimaryKey {
			continue
		}
		out[f.Name] = nil
		if f.Default != nil {
			if v, err := schema.ConvertValue(f, f.Default); err == nil {
				out[f.Name] = v
			} else {
				out[f.Name] = f.Default
			}
		}
	}
	return out
}

// fromDocument converts a document into a record holding every column
func fromDocument(res *schema.Resource, doc bson.M) storage.Record {
	rec := make(storage.Record, len(doc))
	for k, v := range doc {
		if k == idKey {
			k = res.PrimaryKey
		}
		if !res.IsColumn(k) {
			continue
		}
		rec[k] = normalize(v)
	}
	for _, name := range res.Columns() {
		if _, ok := rec[name]; !ok {
			rec[name] = nil
		}
	}
	return rec
}

// normalize converts driver types into the plain values used by records
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.ObjectID:
		return x.Hex()
	case primitive.Decimal128:
		return x.String()
	case primitive.A:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case primitive.D:
		return normalizeMap(x.Map())
	case bson.M:
		return normalizeMap(x)
	}
	return v
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
