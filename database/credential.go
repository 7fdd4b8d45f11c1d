/*
Copyright 2025 Clippost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/model"
)

// SaveCredential inserts or replaces the credential row for an account.
// Material must already be encrypted by the caller.
func (d Datasource) SaveCredential(ctx context.Context, cred *model.Credential) error {
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO credentials (account_id, access_material, renewal_material, expires_at, last_refreshed_at, status, last_error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (account_id) DO UPDATE SET
			access_material = EXCLUDED.access_material,
			renewal_material = EXCLUDED.renewal_material,
			expires_at = EXCLUDED.expires_at,
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error`,
		cred.AccountID, cred.AccessMaterial, cred.RenewalMaterial, cred.ExpiresAt, cred.LastRefreshedAt, cred.Status, cred.LastError,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save credential", err)
	}
	return nil
}

func (d Datasource) GetCredential(ctx context.Context, accountID string) (*model.Credential, error) {
	row := d.Conn.QueryRowContext(ctx,
		`SELECT account_id, access_material, renewal_material, expires_at, COALESCE(last_refreshed_at, 'epoch'::timestamp), status, COALESCE(last_error, '')
		 FROM credentials WHERE account_id = $1`,
		accountID,
	)
	return scanCredential(row)
}

// UpdateCredentialGrant installs a freshly exchanged grant and flips the
// credential back to active.
func (d Datasource) UpdateCredentialGrant(ctx context.Context, accountID, accessMaterial, renewalMaterial string, expiresAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx,
		`UPDATE credentials SET access_material = $2, renewal_material = $3, expires_at = $4, last_refreshed_at = $5, status = $6, last_error = NULL
		 WHERE account_id = $1`,
		accountID, accessMaterial, renewalMaterial, expiresAt, time.Now(), model.CredentialActive,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update credential grant", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Credential for account '%s' not found", accountID), nil)
	}
	return nil
}

// MarkCredentialExpired records a refresh failure. The reason must already
// be scrubbed of secret material by the caller.
func (d Datasource) MarkCredentialExpired(ctx context.Context, accountID, reason string) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE credentials SET status = $2, last_error = $3 WHERE account_id = $1`,
		accountID, model.CredentialExpired, reason,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark credential expired", err)
	}
	return nil
}

// ListExpiringAccountIDs returns accounts whose active credential expires
// before the threshold, oldest expiry first.
func (d Datasource) ListExpiringAccountIDs(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx,
		`SELECT account_id FROM credentials WHERE status = $1 AND expires_at < $2 ORDER BY expires_at ASC`,
		model.CredentialActive, threshold,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list expiring credentials", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan expiring credential", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate expiring credentials", err)
	}
	return ids, nil
}

// WithCredentialLock runs fn while holding a row lock on the account's
// credential. SKIP LOCKED means a row already being refreshed by another
// worker is skipped rather than waited on; that worker's refresh covers it.
func (d Datasource) WithCredentialLock(ctx context.Context, accountID string, fn func(cred *model.Credential) error) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin credential transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT account_id, access_material, renewal_material, expires_at, COALESCE(last_refreshed_at, 'epoch'::timestamp), status, COALESCE(last_error, '')
		 FROM credentials WHERE account_id = $1 FOR UPDATE SKIP LOCKED`,
		accountID,
	)
	cred, err := scanCredential(row)
	if err != nil {
		return err
	}

	fnErr := fn(cred)

	// Persist whatever fn left on the credential, success or failure, so a
	// failed refresh records its expired status under the same lock.
	_, err = tx.ExecContext(ctx,
		`UPDATE credentials SET access_material = $2, renewal_material = $3, expires_at = $4, last_refreshed_at = $5, status = $6, last_error = $7
		 WHERE account_id = $1`,
		cred.AccountID, cred.AccessMaterial, cred.RenewalMaterial, cred.ExpiresAt, cred.LastRefreshedAt, cred.Status, cred.LastError,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to persist credential under lock", err)
	}
	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit credential transaction", err)
	}
	return fnErr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*model.Credential, error) {
	cred := model.Credential{}
	err := row.Scan(&cred.AccountID, &cred.AccessMaterial, &cred.RenewalMaterial, &cred.ExpiresAt, &cred.LastRefreshedAt, &cred.Status, &cred.LastError)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Credential not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve credential", err)
	}
	return &cred, nil
}
