package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kalambet/docket/internal/storage"
)

func newTestService(t *testing.T, embed func(text string) []float32) (*Service, *storage.Store) {
	t.Helper()
	db := openTestStore(t)
	client := &mockEmbedClient{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			return embed(text), nil
		},
	}
	return NewService(db, NewSQLiteStore(db.DB()), NewEmbedder(client, "nomic-embed-text"), nil), db
}

func TestCreateStore_SecondCallReturnsExisting(t *testing.T) {
	svc, _ := newTestService(t, func(string) []float32 { return axis(2, 0) })
	ctx := context.Background()

	id, err := svc.CreateStore(ctx, "case-1")
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	again, err := svc.CreateStore(ctx, "case-1")
	if !errors.Is(err, ErrStoreExists) {
		t.Fatalf("second CreateStore err = %v, want ErrStoreExists", err)
	}
	if again != id {
		t.Errorf("existing id = %q, want %q", again, id)
	}

	other, err := svc.CreateStore(ctx, "case-2")
	if err != nil || other == id {
		t.Errorf("case-2 store = %q, %v", other, err)
	}
}

func TestUpload_CreatesPendingItemAndJob(t *testing.T) {
	svc, db := newTestService(t, func(string) []float32 { return axis(2, 0) })
	ctx := context.Background()

	storeID, err := svc.CreateStore(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	uri, err := svc.Upload(ctx, storeID, "doc-1", "motion.pdf", "--- Page 1 ---\ntext")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	gotStore, itemID, err := ParseItemURI(uri)
	if err != nil || gotStore != storeID {
		t.Fatalf("ParseItemURI(%q) = %q, %q, %v", uri, gotStore, itemID, err)
	}
	state, err := svc.ItemState(ctx, uri)
	if err != nil || state != storage.ItemPending {
		t.Errorf("ItemState = %q, %v, want pending", state, err)
	}

	job, err := db.ClaimNextJob([]string{JobIndexItem})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	var p IndexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil || p.ItemID != itemID {
		t.Errorf("payload = %s, want item %s", job.PayloadJSON, itemID)
	}
}

func TestUpload_UnknownStore(t *testing.T) {
	svc, _ := newTestService(t, func(string) []float32 { return axis(2, 0) })
	if _, err := svc.Upload(context.Background(), "store-missing", "d", "n", "t"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestItemState_InvalidURI(t *testing.T) {
	svc, _ := newTestService(t, func(string) []float32 { return axis(2, 0) })
	for _, uri := range []string{"", "items/x", "stores//items/x", "stores/a/docs/b"} {
		if _, err := svc.ItemState(context.Background(), uri); !errors.Is(err, ErrInvalidURI) {
			t.Errorf("ItemState(%q) err = %v, want ErrInvalidURI", uri, err)
		}
	}
}

func TestSearch_ReturnsNearestChunks(t *testing.T) {
	svc, db := newTestService(t, func(text string) []float32 {
		if text == "jurisdiction" {
			return axis(2, 1)
		}
		return axis(2, 0)
	})
	ctx := context.Background()
	storeID, _ := svc.CreateStore(ctx, "case-1")

	vectors := NewSQLiteStore(db.DB())
	if err := vectors.Insert(ctx, []Record{
		{ID: "c1", StoreID: storeID, ItemID: "i1", DocumentID: "doc-1", TextChunk: "limitations", Embedding: axis(2, 0)},
		{ID: "c2", StoreID: storeID, ItemID: "i2", DocumentID: "doc-2", TextChunk: "jurisdiction", Embedding: axis(2, 1)},
	}); err != nil {
		t.Fatal(err)
	}

	hits, err := svc.Search(ctx, storeID, "jurisdiction", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "doc-2" || hits[0].Text != "jurisdiction" {
		t.Errorf("hits = %+v", hits)
	}

	if hits, err := svc.Search(ctx, storeID, "  ", 5); err != nil || hits != nil {
		t.Errorf("blank query: %v, %v", hits, err)
	}
}

func TestDeleteDocument_RemovesItems(t *testing.T) {
	svc, db := newTestService(t, func(string) []float32 { return axis(2, 0) })
	ctx := context.Background()
	storeID, _ := svc.CreateStore(ctx, "case-1")
	uri, err := svc.Upload(ctx, storeID, "doc-1", "a.txt", "text")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	_, itemID, _ := ParseItemURI(uri)
	if _, err := db.GetSearchItem(itemID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("item still present: %v", err)
	}
}

type reverseReranker struct {
	got int
}

func (r *reverseReranker) Rerank(_ context.Context, _ string, hits []Hit) ([]Hit, error) {
	r.got = len(hits)
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[len(hits)-1-i] = h
	}
	return out, nil
}

func TestSearch_RerankerWidensAndTrims(t *testing.T) {
	svc, db := newTestService(t, func(string) []float32 { return axis(2, 0) })
	rr := &reverseReranker{}
	svc.WithReranker(rr)
	ctx := context.Background()
	storeID, _ := svc.CreateStore(ctx, "case-1")

	vectors := NewSQLiteStore(db.DB())
	if err := vectors.Insert(ctx, []Record{
		{ID: "c1", StoreID: storeID, ItemID: "i1", DocumentID: "doc-1", TextChunk: "closest", Embedding: axis(2, 0)},
		{ID: "c2", StoreID: storeID, ItemID: "i2", DocumentID: "doc-2", TextChunk: "farthest", Embedding: axis(2, 1)},
	}); err != nil {
		t.Fatal(err)
	}

	hits, err := svc.Search(ctx, storeID, "query", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if rr.got != 2 {
		t.Errorf("reranker saw %d candidates, want 2", rr.got)
	}
	if len(hits) != 1 || hits[0].Text != "farthest" {
		t.Errorf("hits = %+v, want reranked top hit", hits)
	}
}
