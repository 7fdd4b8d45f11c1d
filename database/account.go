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
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/model"
)

func (d Datasource) CreateAccount(ctx context.Context, acc *model.Account) (*model.Account, error) {
	metaDataJSON, err := json.Marshal(acc.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	if acc.AccountID == "" {
		acc.AccountID = model.GenerateUUIDWithSuffix("acct")
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now()
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO accounts (account_id, handle, display_name, status, meta_data, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		acc.AccountID, acc.Handle, acc.DisplayName, acc.Status, metaDataJSON, acc.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create account", err)
	}
	return acc, nil
}

func (d Datasource) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	cacheKey := fmt.Sprintf("accounts:%s", accountID)

	var cached model.Account
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && cached.AccountID != "" {
			return &cached, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx,
		`SELECT account_id, handle, display_name, status, COALESCE(meta_data, 'null'), created_at FROM accounts WHERE account_id = $1`,
		accountID,
	)

	acc := model.Account{}
	var metaDataJSON []byte
	err := row.Scan(&acc.AccountID, &acc.Handle, &acc.DisplayName, &acc.Status, &metaDataJSON, &acc.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Account with ID '%s' not found", accountID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve account", err)
	}
	if err := json.Unmarshal(metaDataJSON, &acc.MetaData); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, cacheKey, acc, 5*time.Minute); err != nil {
			// Log the error, but don't return it as the main operation succeeded
			log.Printf("Failed to cache account: %v", err)
		}
	}
	return &acc, nil
}
