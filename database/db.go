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
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/clippost/clippost/cache"
	"github.com/clippost/clippost/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ca, errCache := cache.NewCache()
		if errCache != nil {
			err = errCache
			return
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = createAccountTable(db)
	if err != nil {
		return nil, err
	}
	err = createCredentialTable(db)
	if err != nil {
		return nil, err
	}
	err = createPostJobTable(db)
	if err != nil {
		return nil, err
	}
	err = createPublishAttemptTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createAccountTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			display_name TEXT,
			status TEXT NOT NULL DEFAULT 'CONNECTED',
			meta_data JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func createCredentialTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			account_id TEXT PRIMARY KEY REFERENCES accounts(account_id),
			access_material TEXT NOT NULL,
			renewal_material TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			last_refreshed_at TIMESTAMP,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			last_error TEXT
		)
	`)
	return err
}

func createPostJobTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS post_jobs (
			job_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(account_id),
			object_key TEXT NOT NULL,
			caption TEXT,
			privacy_level TEXT NOT NULL DEFAULT 'PUBLIC_TO_EVERYONE',
			disable_stitch BOOLEAN NOT NULL DEFAULT FALSE,
			disable_duet BOOLEAN NOT NULL DEFAULT FALSE,
			allow_comments BOOLEAN NOT NULL DEFAULT TRUE,
			publish_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			next_attempt_at TIMESTAMP,
			last_error TEXT,
			external_id TEXT,
			share_url TEXT,
			publish_session_id TEXT,
			claimed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_post_jobs_due ON post_jobs (status, publish_at);
	`)
	return err
}

func createPublishAttemptTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS publish_attempts (
			attempt_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES post_jobs(job_id),
			attempt_no INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error_text TEXT,
			external_id TEXT,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_publish_attempts_job ON publish_attempts (job_id, attempt_no);
	`)
	return err
}
