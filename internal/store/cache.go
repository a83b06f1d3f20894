package store

import "database/sql"

const cacheColumns = "id, hash, prompt, provider, attachments_json, response, timestamp, ttl"

// AddCachedRequest inserts a new cache row and returns its primary key.
// Rows with a duplicate hash are appended, never merged: readers treat the
// first match as canonical and prune expired duplicates lazily.
func (s *Store) AddCachedRequest(r CachedRequest) (int64, error) {
	atts, err := marshalAttachments(r.Attachments)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO request_cache (hash, prompt, provider, attachments_json, response, timestamp, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Hash, r.Prompt, r.Provider, atts, r.Response, r.Timestamp, r.TTL,
	)
	if err != nil {
		return 0, unavailable("inserting cached request", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("reading inserted cache id", err)
	}
	return id, nil
}

// CachedRequestsByHash returns every cache row with the given fingerprint in
// primary-key order (oldest first).
func (s *Store) CachedRequestsByHash(hash string) ([]CachedRequest, error) {
	rows, err := s.db.Query(`
		SELECT `+cacheColumns+` FROM request_cache WHERE hash = ? ORDER BY id ASC`, hash)
	if err != nil {
		return nil, unavailable("querying cache by hash", err)
	}
	return collectCachedRequests(rows)
}

// CachedRequests returns every cache row. Used by the expiry sweep and by
// statistics; lookups go through CachedRequestsByHash.
func (s *Store) CachedRequests() ([]CachedRequest, error) {
	rows, err := s.db.Query(`SELECT ` + cacheColumns + ` FROM request_cache ORDER BY id ASC`)
	if err != nil {
		return nil, unavailable("listing cached requests", err)
	}
	return collectCachedRequests(rows)
}

// DeleteCachedRequest removes a cache row by primary key.
func (s *Store) DeleteCachedRequest(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM request_cache WHERE id = ?`, id); err != nil {
		return unavailable("deleting cached request", err)
	}
	return nil
}

// ClearCachedRequests removes every cache row.
func (s *Store) ClearCachedRequests() error {
	if _, err := s.db.Exec(`DELETE FROM request_cache`); err != nil {
		return unavailable("clearing request cache", err)
	}
	return nil
}

// CountCachedRequests returns the number of cache rows, expired included.
func (s *Store) CountCachedRequests() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM request_cache`).Scan(&n); err != nil {
		return 0, unavailable("counting cached requests", err)
	}
	return n, nil
}

func collectCachedRequests(rows *sql.Rows) ([]CachedRequest, error) {
	defer rows.Close()

	var results []CachedRequest
	for rows.Next() {
		var r CachedRequest
		var atts string
		if err := rows.Scan(&r.ID, &r.Hash, &r.Prompt, &r.Provider, &atts, &r.Response, &r.Timestamp, &r.TTL); err != nil {
			return nil, unavailable("scanning cached request", err)
		}
		var err error
		if r.Attachments, err = unmarshalAttachments(atts); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating cached requests", err)
	}
	return results, nil
}
