package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Case to search store mapping ---

// GetCaseStore returns the search store id recorded for a case.
func (s *Store) GetCaseStore(caseID string) (string, error) {
	var storeID string
	err := s.db.QueryRow(`SELECT store_id FROM case_search_stores WHERE case_id = ?`, caseID).Scan(&storeID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return storeID, err
}

// SaveCaseStore records storeID for caseID unless a mapping already exists,
// and returns whichever id ends up recorded. The first writer wins.
func (s *Store) SaveCaseStore(caseID, storeID string) (string, error) {
	_, err := s.db.Exec(`
		INSERT INTO case_search_stores (case_id, store_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(case_id) DO NOTHING`,
		caseID, storeID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("saving search store for case %s: %w", caseID, err)
	}
	return s.GetCaseStore(caseID)
}

// --- Search stores ---

// CreateSearchStore inserts a store for a case. When the case already owns a
// store the existing one is returned together with ErrConflict.
func (s *Store) CreateSearchStore(st SearchStore) (SearchStore, error) {
	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO search_stores (id, case_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(case_id) DO NOTHING`,
		st.ID, st.CaseID, createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return SearchStore{}, fmt.Errorf("inserting search store: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return SearchStore{}, err
	}

	existing, err := s.searchStoreWhere(`case_id = ?`, st.CaseID)
	if err != nil {
		return SearchStore{}, err
	}
	if n == 0 {
		return existing, ErrConflict
	}
	return existing, nil
}

// GetSearchStore returns a store by id.
func (s *Store) GetSearchStore(id string) (SearchStore, error) {
	return s.searchStoreWhere(`id = ?`, id)
}

func (s *Store) searchStoreWhere(cond string, arg string) (SearchStore, error) {
	var st SearchStore
	var createdAt string
	err := s.db.QueryRow(`SELECT id, case_id, created_at FROM search_stores WHERE `+cond, arg).
		Scan(&st.ID, &st.CaseID, &createdAt)
	if err == sql.ErrNoRows {
		return SearchStore{}, ErrNotFound
	}
	if err != nil {
		return SearchStore{}, err
	}
	if st.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return SearchStore{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return st, nil
}

// --- Search items ---

// CreateSearchItem inserts a pending item.
func (s *Store) CreateSearchItem(it SearchItem) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO search_items (id, store_id, document_id, name, content, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		it.ID, it.StoreID, it.DocumentID, it.Name, it.Content, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting search item %s: %w", it.ID, err)
	}
	return nil
}

// GetSearchItem returns an item by id.
func (s *Store) GetSearchItem(id string) (SearchItem, error) {
	var it SearchItem
	var lastError sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, store_id, document_id, name, content, state, last_error, created_at, updated_at
		FROM search_items WHERE id = ?`, id,
	).Scan(&it.ID, &it.StoreID, &it.DocumentID, &it.Name, &it.Content, &it.State, &lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return SearchItem{}, ErrNotFound
	}
	if err != nil {
		return SearchItem{}, err
	}
	it.LastError = lastError.String
	if it.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return SearchItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if it.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return SearchItem{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return it, nil
}

// SetSearchItemState records the indexing outcome of an item.
func (s *Store) SetSearchItemState(id, state, lastError string) error {
	res, err := s.db.Exec(`UPDATE search_items SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		state, nullIfEmpty(lastError), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSearchItemsByDocument removes every item and chunk vector that
// belongs to a document.
func (s *Store) DeleteSearchItemsByDocument(documentID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunk_vectors WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting chunk vectors: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM search_items WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting search items: %w", err)
	}
	return tx.Commit()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
