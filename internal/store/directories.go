package store

import (
	"fmt"
	"strings"
	"time"
)

const directoryColumns = `id, user_id, directory_path, token, file_count,
    total_size_bytes, last_scanned_at, created_at, updated_at`

// UpsertDirectory saves or refreshes one directory token.
func (s *Store) UpsertDirectory(tok *DirectoryToken) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO source_directory_tokens
			(user_id, directory_path, token, file_count, total_size_bytes, last_scanned_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, directory_path) DO UPDATE SET
			token = excluded.token,
			file_count = excluded.file_count,
			total_size_bytes = excluded.total_size_bytes,
			last_scanned_at = excluded.last_scanned_at,
			updated_at = excluded.updated_at`,
		tok.UserID, tok.DirectoryPath, tok.Token, tok.FileCount,
		tok.TotalSizeBytes, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert directory token: %w", err)
	}
	return nil
}

// BulkUpsertDirectories saves a batch of directory tokens in one
// transaction. All or nothing.
func (s *Store) BulkUpsertDirectories(toks []*DirectoryToken) error {
	if len(toks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	stmt, err := tx.Prepare(`
		INSERT INTO source_directory_tokens
			(user_id, directory_path, token, file_count, total_size_bytes, last_scanned_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, directory_path) DO UPDATE SET
			token = excluded.token,
			file_count = excluded.file_count,
			total_size_bytes = excluded.total_size_bytes,
			last_scanned_at = excluded.last_scanned_at,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, tok := range toks {
		if _, err := stmt.Exec(tok.UserID, tok.DirectoryPath, tok.Token,
			tok.FileCount, tok.TotalSizeBytes, now, now, now); err != nil {
			return fmt.Errorf("upsert %s: %w", tok.DirectoryPath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SyncDirectories atomically replaces the stored token set under root
// with the observed one: every observed directory is upserted and every
// stored directory under root that was not observed is deleted, in a
// single transaction. Subtrees rooted at a preserve path are exempt
// from deletion; they exist but could not be scanned this cycle.
// Returns how many observed tokens were saved and how many stale rows
// were deleted.
func (s *Store) SyncDirectories(userID, root string, observed []*DirectoryToken, preserve []string) (saved int, deleted int64, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	stmt, err := tx.Prepare(`
		INSERT INTO source_directory_tokens
			(user_id, directory_path, token, file_count, total_size_bytes, last_scanned_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, directory_path) DO UPDATE SET
			token = excluded.token,
			file_count = excluded.file_count,
			total_size_bytes = excluded.total_size_bytes,
			last_scanned_at = excluded.last_scanned_at,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, tok := range observed {
		if _, err := stmt.Exec(userID, tok.DirectoryPath, tok.Token,
			tok.FileCount, tok.TotalSizeBytes, now, now, now); err != nil {
			return 0, 0, fmt.Errorf("upsert %s: %w", tok.DirectoryPath, err)
		}
		saved++
	}

	// Delete rows under root that were not observed this scan.
	delQuery := `DELETE FROM source_directory_tokens
		WHERE user_id = ? AND (directory_path = ? OR directory_path LIKE ? ESCAPE '\')`
	delArgs := []any{userID, root, childPattern(root)}
	if len(observed) > 0 {
		placeholders := strings.Repeat("?,", len(observed))
		delQuery += ` AND directory_path NOT IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, tok := range observed {
			delArgs = append(delArgs, tok.DirectoryPath)
		}
	}
	for _, p := range preserve {
		delQuery += ` AND NOT (directory_path = ? OR directory_path LIKE ? ESCAPE '\')`
		delArgs = append(delArgs, p, childPattern(p))
	}
	res, err := tx.Exec(delQuery, delArgs...)
	if err != nil {
		return 0, 0, fmt.Errorf("delete stale tokens: %w", err)
	}
	deleted, err = res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return saved, deleted, nil
}

// ListDirectoriesUnder returns all stored tokens for directories at or
// below root, shallowest first.
func (s *Store) ListDirectoriesUnder(userID, root string) ([]*DirectoryToken, error) {
	rows, err := s.db.Query(`
		SELECT `+directoryColumns+` FROM source_directory_tokens
		WHERE user_id = ? AND (directory_path = ? OR directory_path LIKE ? ESCAPE '\')
		ORDER BY length(directory_path), directory_path`,
		userID, root, childPattern(root),
	)
	if err != nil {
		return nil, fmt.Errorf("query directory tokens: %w", err)
	}
	defer rows.Close()

	var out []*DirectoryToken
	for rows.Next() {
		var tok DirectoryToken
		if err := rows.Scan(&tok.ID, &tok.UserID, &tok.DirectoryPath, &tok.Token,
			&tok.FileCount, &tok.TotalSizeBytes, &tok.LastScannedAt,
			&tok.CreatedAt, &tok.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan directory token: %w", err)
		}
		out = append(out, &tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate directory tokens: %w", err)
	}
	return out, nil
}

// DeleteDirectory removes one stored directory token.
func (s *Store) DeleteDirectory(userID, path string) error {
	if _, err := s.db.Exec(
		`DELETE FROM source_directory_tokens WHERE user_id = ? AND directory_path = ?`,
		userID, path,
	); err != nil {
		return fmt.Errorf("delete directory token: %w", err)
	}
	return nil
}

// childPattern builds the LIKE pattern matching everything strictly
// below p. The filesystem root already ends in the separator, so it
// must not be doubled ("//%" matches nothing).
func childPattern(p string) string {
	return likePrefix(strings.TrimSuffix(p, "/")) + "/%"
}

// likePrefix escapes LIKE metacharacters in a literal path prefix.
func likePrefix(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	p = strings.ReplaceAll(p, `%`, `\%`)
	return strings.ReplaceAll(p, `_`, `\_`)
}
