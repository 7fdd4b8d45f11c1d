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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/internal/notification"
	"github.com/clippost/clippost/model"
)

// ConnectAccount stores a newly connected creator account together with its
// first delegated credential. Material arrives in the clear from the OAuth
// callback and is sealed before it touches the database.
func (c *Clippost) ConnectAccount(ctx context.Context, account *model.Account, accessMaterial, renewalMaterial string, expiresAt time.Time) (*model.Account, error) {
	created, err := c.datasource.CreateAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	sealedAccess, err := c.vault.Seal(accessMaterial)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal access material", err)
	}
	sealedRenewal, err := c.vault.Seal(renewalMaterial)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal renewal material", err)
	}

	cred := &model.Credential{
		AccountID:       created.AccountID,
		AccessMaterial:  sealedAccess,
		RenewalMaterial: sealedRenewal,
		ExpiresAt:       expiresAt,
		LastRefreshedAt: time.Now(),
		Status:          model.CredentialActive,
	}
	if err := c.datasource.SaveCredential(ctx, cred); err != nil {
		return nil, err
	}
	return created, nil
}

// GetValidCredential returns an unexpired access token for the account,
// refreshing first when the credential is inside the safety margin of its
// expiry. Every failure path returns CredentialUnavailable; the token never
// appears in errors or logs.
func (c *Clippost) GetValidCredential(ctx context.Context, accountID string) (string, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return "", err
	}
	margin := time.Duration(cfg.Scheduler.RefreshMarginMin) * time.Minute

	cred, err := c.datasource.GetCredential(ctx, accountID)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrCredentialUnavailable, "No credential on file for account", err)
	}
	if cred.Status != model.CredentialActive {
		return "", apierror.NewAPIError(apierror.ErrCredentialUnavailable, "Credential requires account reconnection", nil)
	}

	if time.Until(cred.ExpiresAt) < margin {
		if err := c.RefreshCredential(ctx, accountID); err != nil {
			return "", apierror.NewAPIError(apierror.ErrCredentialUnavailable, "Credential refresh failed", err)
		}
		cred, err = c.datasource.GetCredential(ctx, accountID)
		if err != nil {
			return "", apierror.NewAPIError(apierror.ErrCredentialUnavailable, "Credential disappeared during refresh", err)
		}
	}

	token, err := c.vault.Unseal(cred.AccessMaterial)
	if err != nil {
		// A credential we cannot decrypt is no credential at all. Passing
		// the raw stored value downstream would hand ciphertext to the
		// platform.
		return "", apierror.NewAPIError(apierror.ErrCredentialUnavailable, "Stored credential is unreadable", err)
	}
	return token, nil
}

// RefreshCredential exchanges the account's renewal material for a fresh
// grant under the credential row lock. On exchange failure the credential is
// marked expired with a scrubbed reason and the account owner must
// reconnect.
func (c *Clippost) RefreshCredential(ctx context.Context, accountID string) error {
	return c.datasource.WithCredentialLock(ctx, accountID, func(cred *model.Credential) error {
		renewal, err := c.vault.Unseal(cred.RenewalMaterial)
		if err != nil {
			cred.Status = model.CredentialError
			cred.LastError = "stored renewal material is unreadable"
			return apierror.NewAPIError(apierror.ErrCredentialUnavailable, "Stored renewal material is unreadable", err)
		}

		grant, err := c.platform.ExchangeRenewal(ctx, renewal)
		if err != nil {
			cred.Status = model.CredentialExpired
			cred.LastError = err.Error()
			notification.NotifyCredentialExpired(accountID, err.Error())
			return apierror.NewAPIError(apierror.ErrRefreshFailed, "Token exchange rejected, account must be reconnected", err)
		}

		sealedAccess, err := c.vault.Seal(grant.AccessToken)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal refreshed access material", err)
		}
		renewalMaterial := grant.RefreshToken
		if renewalMaterial == "" {
			// Some platforms only rotate the renewal token occasionally.
			renewalMaterial = renewal
		}
		sealedRenewal, err := c.vault.Seal(renewalMaterial)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal refreshed renewal material", err)
		}

		cred.AccessMaterial = sealedAccess
		cred.RenewalMaterial = sealedRenewal
		cred.ExpiresAt = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
		cred.LastRefreshedAt = time.Now()
		cred.Status = model.CredentialActive
		cred.LastError = ""
		return nil
	})
}

// RefreshAllExpiring refreshes every active credential expiring within the
// threshold. Accounts are processed independently: one bad credential never
// blocks the rest, and rows locked by another worker are skipped since that
// worker's refresh covers them.
func (c *Clippost) RefreshAllExpiring(ctx context.Context, threshold time.Duration) (model.RefreshSummary, error) {
	summary := model.RefreshSummary{Errors: map[string]string{}}

	ids, err := c.datasource.ListExpiringAccountIDs(ctx, time.Now().Add(threshold))
	if err != nil {
		return summary, err
	}

	for _, accountID := range ids {
		err := c.RefreshCredential(ctx, accountID)
		switch {
		case err == nil:
			summary.Refreshed++
		case apierror.IsCode(err, apierror.ErrNotFound):
			// Row locked by a concurrent sweep or credential deleted; skip.
			logrus.WithField("account_id", accountID).Debug("credential refresh skipped")
		default:
			summary.Failed++
			summary.Errors[accountID] = err.Error()
			logrus.WithField("account_id", accountID).Warnf("credential refresh failed: %v", err)
		}
	}

	logrus.Infof("credential refresh sweep complete: %d refreshed, %d failed", summary.Refreshed, summary.Failed)
	return summary, nil
}

// KickstartRefreshSweep seeds the first refresh sweep task at startup. The
// task ID dedupe in the queue makes this safe across multiple workers.
func (c *Clippost) KickstartRefreshSweep(ctx context.Context, runAt time.Time) error {
	if c.queue == nil {
		return nil
	}
	return c.queue.ScheduleRefreshSweep(ctx, runAt)
}

// RunRefreshSweep runs one proactive refresh pass over credentials expiring
// within the configured margin and schedules the next sweep.
func (c *Clippost) RunRefreshSweep(ctx context.Context) (model.RefreshSummary, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return model.RefreshSummary{}, err
	}

	margin := time.Duration(cfg.Scheduler.RefreshMarginMin) * time.Minute
	summary, err := c.RefreshAllExpiring(ctx, margin)
	if err != nil {
		return summary, err
	}

	if c.queue != nil {
		next := time.Now().Add(time.Duration(cfg.Scheduler.RefreshSweepMin) * time.Minute)
		if qErr := c.queue.ScheduleRefreshSweep(ctx, next); qErr != nil {
			logrus.Warnf("failed to schedule next refresh sweep: %v", qErr)
		}
	}
	return summary, nil
}
