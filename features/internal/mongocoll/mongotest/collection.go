// Package mongotest provides an in-memory mongocoll.Collection for tests.
//
// Documents round-trip through BSON so struct tags are exercised exactly as
// with a server. Filters support equality on top-level fields and the $gt,
// $gte, $lt, $lte, $in and $exists operators; updates support $set and
// $setOnInsert. Unique indexes are enforced and report duplicate key errors
// the driver recognizes.
package mongotest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/stepflow/features/internal/mongocoll"
)

type (
	// Collection is an in-memory collection. It is safe for concurrent use.
	Collection struct {
		mu      sync.Mutex
		docs    []bson.M
		unique  [][]string
		indexes int
		err     error
	}

	singleResult struct {
		doc bson.M
		err error
	}

	cursor struct {
		docs []bson.M
		idx  int
	}

	indexView struct {
		c *Collection
	}
)

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{}
}

// Fail makes every subsequent operation return err. A nil err restores
// normal behavior.
func (c *Collection) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Len returns the number of stored documents.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// IndexCount returns the number of indexes created.
func (c *Collection) IndexCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexes
}

// FindOne implements mongocoll.Collection.
func (c *Collection) FindOne(_ context.Context, filter any, opts ...*options.FindOneOptions) mongocoll.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return singleResult{err: c.err}
	}
	var sortSpec any
	for _, o := range opts {
		if o != nil && o.Sort != nil {
			sortSpec = o.Sort
		}
	}
	matches, err := c.match(filter)
	if err != nil {
		return singleResult{err: err}
	}
	if err := sortDocs(matches, sortSpec); err != nil {
		return singleResult{err: err}
	}
	if len(matches) == 0 {
		return singleResult{err: mongodriver.ErrNoDocuments}
	}
	return singleResult{doc: matches[0]}
}

// Find implements mongocoll.Collection.
func (c *Collection) Find(_ context.Context, filter any, opts ...*options.FindOptions) (mongocoll.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var (
		sortSpec any
		limit    int64
	)
	for _, o := range opts {
		if o == nil {
			continue
		}
		if o.Sort != nil {
			sortSpec = o.Sort
		}
		if o.Limit != nil {
			limit = *o.Limit
		}
	}
	matches, err := c.match(filter)
	if err != nil {
		return nil, err
	}
	if err := sortDocs(matches, sortSpec); err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(matches)) > limit {
		matches = matches[:limit]
	}
	return &cursor{docs: matches, idx: -1}, nil
}

// InsertOne implements mongocoll.Collection.
func (c *Collection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	doc, err := toDoc(document)
	if err != nil {
		return nil, err
	}
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = primitive.NewObjectID()
	}
	if err := c.checkUnique(doc, -1); err != nil {
		return nil, err
	}
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{InsertedID: doc["_id"]}, nil
}

// UpdateOne implements mongocoll.Collection.
func (c *Collection) UpdateOne(_ context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	upsert := false
	for _, o := range opts {
		if o != nil && o.Upsert != nil {
			upsert = *o.Upsert
		}
	}
	up, err := toDoc(update)
	if err != nil {
		return nil, err
	}
	idx, err := c.firstIndex(filter)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		if !upsert {
			return &mongodriver.UpdateResult{}, nil
		}
		f, err := toDoc(filter)
		if err != nil {
			return nil, err
		}
		doc := bson.M{"_id": primitive.NewObjectID()}
		for k, v := range f {
			if _, isOp := v.(bson.M); !isOp {
				doc[k] = v
			}
		}
		if err := apply(doc, up, true); err != nil {
			return nil, err
		}
		if err := c.checkUnique(doc, -1); err != nil {
			return nil, err
		}
		c.docs = append(c.docs, doc)
		return &mongodriver.UpdateResult{UpsertedCount: 1, UpsertedID: doc["_id"]}, nil
	}
	doc := cloneDoc(c.docs[idx])
	if err := apply(doc, up, false); err != nil {
		return nil, err
	}
	if err := c.checkUnique(doc, idx); err != nil {
		return nil, err
	}
	c.docs[idx] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

// DeleteOne implements mongocoll.Collection.
func (c *Collection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	idx, err := c.firstIndex(filter)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return &mongodriver.DeleteResult{}, nil
	}
	c.docs = append(c.docs[:idx], c.docs[idx+1:]...)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

// Indexes implements mongocoll.Collection.
func (c *Collection) Indexes() mongocoll.IndexView {
	return indexView{c: c}
}

func (v indexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...*options.CreateIndexesOptions) (string, error) {
	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	if v.c.err != nil {
		return "", v.c.err
	}
	keys, ok := model.Keys.(bson.D)
	if !ok || len(keys) == 0 {
		return "", errors.New("index keys must be a non-empty bson.D")
	}
	v.c.indexes++
	if model.Options != nil && model.Options.Unique != nil && *model.Options.Unique {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.Key
		}
		v.c.unique = append(v.c.unique, names)
	}
	return fmt.Sprintf("idx_%d", v.c.indexes), nil
}

func (r singleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	return decode(r.doc, val)
}

func (c *cursor) Close(context.Context) error { return nil }

func (c *cursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("cursor is not positioned on a document")
	}
	return decode(c.docs[c.idx], val)
}

func (c *cursor) Err() error { return nil }

func (c *cursor) Next(context.Context) bool {
	if c.idx+1 >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}

func (c *Collection) match(filter any) ([]bson.M, error) {
	f, err := toDoc(filter)
	if err != nil {
		return nil, err
	}
	var out []bson.M
	for _, d := range c.docs {
		ok, err := matches(d, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cloneDoc(d))
		}
	}
	return out, nil
}

func (c *Collection) firstIndex(filter any) (int, error) {
	f, err := toDoc(filter)
	if err != nil {
		return -1, err
	}
	for i, d := range c.docs {
		ok, err := matches(d, f)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

func (c *Collection) checkUnique(doc bson.M, self int) error {
	for _, keys := range c.unique {
		for i, other := range c.docs {
			if i == self {
				continue
			}
			same := true
			for _, k := range keys {
				if !reflect.DeepEqual(doc[k], other[k]) {
					same = false
					break
				}
			}
			if same {
				return mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{
					Code:    11000,
					Message: fmt.Sprintf("E11000 duplicate key error index: %v", keys),
				}}}
			}
		}
	}
	return nil
}

func matches(doc, filter bson.M) (bool, error) {
	for k, want := range filter {
		got, present := doc[k]
		ops, isOps := want.(bson.M)
		if !isOps {
			if !present || !equal(got, want) {
				return false, nil
			}
			continue
		}
		for op, arg := range ops {
			ok, err := evalOp(op, got, present, arg)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func evalOp(op string, got any, present bool, arg any) (bool, error) {
	switch op {
	case "$exists":
		want, _ := arg.(bool)
		return present == want, nil
	case "$in":
		list, ok := arg.(bson.A)
		if !ok {
			return false, fmt.Errorf("$in expects an array, got %T", arg)
		}
		for _, v := range list {
			if present && equal(got, v) {
				return true, nil
			}
		}
		return false, nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		cmp, err := compare(got, arg)
		if err != nil {
			return false, err
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	default:
		return false, fmt.Errorf("unsupported operator %s", op)
	}
}

func apply(doc, update bson.M, inserting bool) error {
	for op, arg := range update {
		fields, ok := arg.(bson.M)
		if !ok {
			return fmt.Errorf("%s expects a document, got %T", op, arg)
		}
		switch op {
		case "$set":
			for k, v := range fields {
				doc[k] = v
			}
		case "$setOnInsert":
			if inserting {
				for k, v := range fields {
					doc[k] = v
				}
			}
		default:
			return fmt.Errorf("unsupported update operator %s", op)
		}
	}
	return nil
}

func sortDocs(docs []bson.M, spec any) error {
	if spec == nil {
		return nil
	}
	keys, ok := spec.(bson.D)
	if !ok {
		return fmt.Errorf("sort must be a bson.D, got %T", spec)
	}
	var sortErr error
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			cmp, err := compare(docs[i][k.Key], docs[j][k.Key])
			if err != nil {
				sortErr = err
				return false
			}
			if cmp == 0 {
				continue
			}
			if dir, _ := toFloat(k.Value); dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return sortErr
}

func equal(a, b any) bool {
	if cmp, err := compare(a, b); err == nil {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		switch {
		case as < bs:
			return -1, nil
		case as > bs:
			return 1, nil
		}
		return 0, nil
	}
	if ao, ok := a.(primitive.ObjectID); ok {
		bo, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, fmt.Errorf("cannot compare ObjectID with %T", b)
		}
		return compareBytes(ao[:], bo[:]), nil
	}
	af, ok := toFloat(a)
	if !ok {
		return 0, fmt.Errorf("cannot compare %T", a)
	}
	bf, ok := toFloat(b)
	if !ok {
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	switch {
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	}
	return 0, nil
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case primitive.DateTime:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// toDoc normalizes a filter, update or document to the representation a
// server would see by round-tripping it through BSON.
func toDoc(v any) (bson.M, error) {
	if v == nil {
		return bson.M{}, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return normalize(out).(bson.M), nil
}

// normalize converts nested documents to bson.M and arrays to bson.A.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		for k, x := range t {
			t[k] = normalize(x)
		}
		return t
	case bson.D:
		m := make(bson.M, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		for i, x := range t {
			t[i] = normalize(x)
		}
		return t
	}
	return v
}

func decode(doc bson.M, val any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func cloneDoc(doc bson.M) bson.M {
	out, err := toDoc(doc)
	if err != nil {
		panic(err)
	}
	return out
}

var _ mongocoll.Collection = (*Collection)(nil)
