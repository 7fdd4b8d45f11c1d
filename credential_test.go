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
package clippost

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/model"
	"github.com/clippost/clippost/platform"
)

func credentialTestConfig() {
	config.MockConfig(&config.Configuration{
		Scheduler: config.SchedulerConfig{
			RefreshMarginMin: 60,
			RefreshSweepMin:  30,
		},
	})
}

var credentialColumns = []string{"account_id", "access_material", "renewal_material", "expires_at", "last_refreshed_at", "status", "last_error"}

func TestRefreshCredentialInstallsNewGrant(t *testing.T) {
	credentialTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	credentialTestConfig()

	vault := newTestVault(t)
	sealedAccess, _ := vault.Seal("old-access")
	sealedRenewal, _ := vault.Seal("old-renewal")

	var exchanged string
	client := &mockPlatform{
		exchange: func(_ context.Context, renewalMaterial string) (*platform.TokenGrant, error) {
			exchanged = renewalMaterial
			return &platform.TokenGrant{AccessToken: "new-access", RefreshToken: "new-renewal", ExpiresIn: 86400}, nil
		},
	}

	c := &Clippost{datasource: datasource, vault: vault, platform: client}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id = .* FOR UPDATE SKIP LOCKED").
		WithArgs("acct_1").
		WillReturnRows(sqlmock.NewRows(credentialColumns).
			AddRow("acct_1", sealedAccess, sealedRenewal, time.Now().Add(10*time.Minute), time.Now(), model.CredentialActive, ""))
	mock.ExpectExec("UPDATE credentials SET access_material =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = c.RefreshCredential(context.Background(), "acct_1")
	assert.NoError(t, err)
	assert.Equal(t, "old-renewal", exchanged)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRefreshCredentialExchangeRejection(t *testing.T) {
	credentialTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	credentialTestConfig()

	vault := newTestVault(t)
	sealedAccess, _ := vault.Seal("old-access")
	sealedRenewal, _ := vault.Seal("secret-renewal-token")

	client := &mockPlatform{
		exchange: func(_ context.Context, _ string) (*platform.TokenGrant, error) {
			return nil, fmt.Errorf("token exchange rejected with status 401")
		},
	}

	c := &Clippost{datasource: datasource, vault: vault, platform: client}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id = .* FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows(credentialColumns).
			AddRow("acct_1", sealedAccess, sealedRenewal, time.Now().Add(10*time.Minute), time.Now(), model.CredentialActive, ""))
	// The expired status is persisted under the same lock even though the
	// refresh failed.
	mock.ExpectExec("UPDATE credentials SET access_material =").
		WithArgs("acct_1", sealedAccess, sealedRenewal, sqlmock.AnyArg(), sqlmock.AnyArg(), model.CredentialExpired, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = c.RefreshCredential(context.Background(), "acct_1")
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrRefreshFailed))
	assert.NotContains(t, err.Error(), "secret-renewal-token")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRefreshAllExpiringIsolatesFailures(t *testing.T) {
	credentialTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	credentialTestConfig()

	vault := newTestVault(t)

	client := &mockPlatform{
		exchange: func(_ context.Context, renewalMaterial string) (*platform.TokenGrant, error) {
			return &platform.TokenGrant{AccessToken: "fresh-" + renewalMaterial, RefreshToken: "rotated", ExpiresIn: 86400}, nil
		},
	}
	c := &Clippost{datasource: datasource, vault: vault, platform: client}

	accountIDs := []string{"acct_1", "acct_2", "acct_3", "acct_4", "acct_5"}
	idRows := sqlmock.NewRows([]string{"account_id"})
	for _, id := range accountIDs {
		idRows.AddRow(id)
	}
	mock.ExpectQuery("SELECT account_id FROM credentials WHERE status =").
		WillReturnRows(idRows)

	for _, id := range accountIDs {
		sealedAccess, _ := vault.Seal("access-" + id)
		sealedRenewal, _ := vault.Seal("renewal-" + id)
		if id == "acct_3" {
			// Corrupted renewal material: this account fails on its own.
			sealedRenewal = "garbage!!"
		}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id = .* FOR UPDATE SKIP LOCKED").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(credentialColumns).
				AddRow(id, sealedAccess, sealedRenewal, time.Now().Add(30*time.Minute), time.Now(), model.CredentialActive, ""))
		mock.ExpectExec("UPDATE credentials SET access_material =").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	summary, err := c.RefreshAllExpiring(context.Background(), time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 4, summary.Refreshed)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Errors, "acct_3")
	// The scrubbed error must not carry any stored material.
	assert.NotContains(t, summary.Errors["acct_3"], "renewal-acct_3")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestGetValidCredentialRefreshesNearExpiry(t *testing.T) {
	credentialTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	credentialTestConfig()

	vault := newTestVault(t)
	sealedAccess, _ := vault.Seal("old-access")
	sealedRenewal, _ := vault.Seal("old-renewal")
	freshAccess, _ := vault.Seal("fresh-access")

	client := &mockPlatform{
		exchange: func(_ context.Context, _ string) (*platform.TokenGrant, error) {
			return &platform.TokenGrant{AccessToken: "fresh-access", RefreshToken: "fresh-renewal", ExpiresIn: 86400}, nil
		},
	}
	c := &Clippost{datasource: datasource, vault: vault, platform: client}

	// First read: ten minutes left, inside the sixty-minute margin.
	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id =").
		WillReturnRows(sqlmock.NewRows(credentialColumns).
			AddRow("acct_1", sealedAccess, sealedRenewal, time.Now().Add(10*time.Minute), time.Now(), model.CredentialActive, ""))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id = .* FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows(credentialColumns).
			AddRow("acct_1", sealedAccess, sealedRenewal, time.Now().Add(10*time.Minute), time.Now(), model.CredentialActive, ""))
	mock.ExpectExec("UPDATE credentials SET access_material =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Re-read after the refresh.
	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id =").
		WillReturnRows(sqlmock.NewRows(credentialColumns).
			AddRow("acct_1", freshAccess, sealedRenewal, time.Now().Add(24*time.Hour), time.Now(), model.CredentialActive, ""))

	token, err := c.GetValidCredential(context.Background(), "acct_1")
	assert.NoError(t, err)
	assert.Equal(t, "fresh-access", token)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestGetValidCredentialRejectsInactive(t *testing.T) {
	credentialTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	credentialTestConfig()

	vault := newTestVault(t)
	c := &Clippost{datasource: datasource, vault: vault}

	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id =").
		WillReturnRows(sqlmock.NewRows(credentialColumns).
			AddRow("acct_1", "sealed", "sealed", time.Now().Add(24*time.Hour), time.Now(), model.CredentialExpired, "exchange rejected"))

	_, err = c.GetValidCredential(context.Background(), "acct_1")
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrCredentialUnavailable))
}
