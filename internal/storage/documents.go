package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const documentColumns = `id, case_id, original_filename, folder_name, file_type, size_bytes,
	document_type, page_count, word_count, status, extraction_strategy,
	has_text_extraction, has_structured_metadata, is_semantically_indexed, analysis_degraded,
	search_store_id, search_document_uri, error_message, uploaded_at, processed_at`

// CreateDocument inserts a new document row. The status is forced to pending.
func (s *Store) CreateDocument(d Document) error {
	uploadedAt := d.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, case_id, original_filename, folder_name, file_type, size_bytes, status, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		d.ID, d.CaseID, d.OriginalFilename, d.FolderName, d.FileType, d.SizeBytes,
		uploadedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", d.ID, err)
	}
	return nil
}

// GetDocument returns the document with the given id or ErrNotFound.
func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

// DocumentExists reports whether a row with the given id is present.
func (s *Store) DocumentExists(id string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListDocumentsByCase returns every document of a case in upload order.
func (s *Store) ListDocumentsByCase(caseID string) ([]Document, error) {
	rows, err := s.db.Query(`SELECT `+documentColumns+`
		FROM documents WHERE case_id = ? ORDER BY uploaded_at ASC, rowid ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateStatus moves a document to the given status. The check and the write
// happen in one statement: the row is only touched while it sits in one of the
// allowed predecessor states. Reaching complete or failed stamps processed_at.
func (s *Store) UpdateStatus(id string, to Status) error {
	return s.setStatus(id, to, "")
}

// MarkFailed moves a non-terminal document to failed and records errMsg.
func (s *Store) MarkFailed(id, errMsg string) error {
	return s.setStatus(id, StatusFailed, errMsg)
}

func (s *Store) setStatus(id string, to Status, errMsg string) error {
	from := predecessors(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", ErrInvalidTransition, to)
	}

	set := "status = ?"
	args := []interface{}{string(to)}
	if to.Terminal() {
		set += ", processed_at = COALESCE(processed_at, ?)"
		args = append(args, time.Now().UTC().Format(time.RFC3339))
	}
	if errMsg != "" {
		set += ", error_message = ?"
		args = append(args, errMsg)
	}
	args = append(args, id)
	for _, p := range from {
		args = append(args, string(p))
	}

	query := `UPDATE documents SET ` + set + ` WHERE id = ? AND status IN (?` + strings.Repeat(",?", len(from)-1) + `)`
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRow(`SELECT status FROM documents WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

// UpdateFlags applies a sparse update. Only non-nil fields are written, so
// stages can touch disjoint columns without reading the row first.
func (s *Store) UpdateFlags(id string, u DocumentUpdate) error {
	var sets []string
	var args []interface{}

	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	raise := func(col string, v *bool) {
		if v == nil {
			return
		}
		sets = append(sets, col+" = MAX("+col+", ?)")
		args = append(args, boolToInt(*v))
	}

	if u.DocumentType != nil {
		add("document_type", *u.DocumentType)
	}
	if u.PageCount != nil {
		add("page_count", *u.PageCount)
	}
	if u.WordCount != nil {
		add("word_count", *u.WordCount)
	}
	if u.ExtractionStrategy != nil {
		add("extraction_strategy", *u.ExtractionStrategy)
	}
	if u.SearchStoreID != nil {
		add("search_store_id", *u.SearchStoreID)
	}
	if u.SearchDocumentURI != nil {
		add("search_document_uri", *u.SearchDocumentURI)
	}
	raise("has_text_extraction", u.HasTextExtraction)
	raise("has_structured_metadata", u.HasStructuredMetadata)
	raise("is_semantically_indexed", u.IsSemanticallyIndexed)
	raise("analysis_degraded", u.AnalysisDegraded)

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.Exec(`UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating flags of %s: %w", id, err)
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

// DeleteDocument removes the document row.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
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

// CaseStats counts the documents of a case per status. Every status is
// present in the result, zero when no document is in it.
func (s *Store) CaseStats(caseID string) (CaseStats, error) {
	stats := CaseStats{CaseID: caseID, ByStatus: make(map[Status]int, len(AllStatuses))}
	for _, st := range AllStatuses {
		stats.ByStatus[st] = 0
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM documents WHERE case_id = ? GROUP BY status`, caseID)
	if err != nil {
		return CaseStats{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return CaseStats{}, err
		}
		stats.ByStatus[Status(st)] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(r rowScanner) (Document, error) {
	var d Document
	var status string
	var docType, strategy, storeID, docURI, errMsg, processedAt sql.NullString
	var pageCount, wordCount sql.NullInt64
	var hasText, hasMeta, indexed, degraded int
	var uploadedAt string

	err := r.Scan(&d.ID, &d.CaseID, &d.OriginalFilename, &d.FolderName, &d.FileType, &d.SizeBytes,
		&docType, &pageCount, &wordCount, &status, &strategy,
		&hasText, &hasMeta, &indexed, &degraded,
		&storeID, &docURI, &errMsg, &uploadedAt, &processedAt)
	if err != nil {
		return Document{}, err
	}

	d.Status = Status(status)
	d.ExtractionStrategy = strategy.String
	d.ErrorMessage = errMsg.String
	d.HasTextExtraction = hasText != 0
	d.HasStructuredMetadata = hasMeta != 0
	d.IsSemanticallyIndexed = indexed != 0
	d.AnalysisDegraded = degraded != 0
	if docType.Valid {
		d.DocumentType = Ptr(docType.String)
	}
	if storeID.Valid {
		d.SearchStoreID = Ptr(storeID.String)
	}
	if docURI.Valid {
		d.SearchDocumentURI = Ptr(docURI.String)
	}
	if pageCount.Valid {
		d.PageCount = Ptr(int(pageCount.Int64))
	}
	if wordCount.Valid {
		d.WordCount = Ptr(int(wordCount.Int64))
	}

	if d.UploadedAt, err = time.Parse(time.RFC3339, uploadedAt); err != nil {
		return Document{}, fmt.Errorf("parsing uploaded_at for %s: %w", d.ID, err)
	}
	if processedAt.Valid {
		t, err := time.Parse(time.RFC3339, processedAt.String)
		if err != nil {
			return Document{}, fmt.Errorf("parsing processed_at for %s: %w", d.ID, err)
		}
		d.ProcessedAt = &t
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
