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

// Package notification pushes operator-facing alerts to Slack: permanently
// failed jobs and credentials that need a manual reconnect. Alerts carry
// human-readable reasons only, never credential material.
package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/internal/request"
)

func slackNotification(title, body string) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": %q,
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Detail:*\n%s"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%s"
					}
				]
			}
		]
	}`, title, body, time.Now().Format(time.RFC822)))

	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response map[string]interface{}
	_, err = request.Call(nil, req, &response)
	if err != nil {
		log.Println(err)
	}
}

func notify(title, body string) {
	go func() {
		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}
		if conf.Notification.Slack.WebhookUrl != "" {
			slackNotification(title, body)
		}
	}()
}

// NotifyError reports a system error. It logs locally and, when Slack is
// configured, pushes the alert asynchronously so callers never block.
func NotifyError(systemError error) {
	logrus.Error(systemError)
	notify("Error from Clippost", systemError.Error())
}

// NotifyJobFailed reports a job that exhausted its retry budget.
func NotifyJobFailed(jobID, reason string) {
	logrus.WithField("job_id", jobID).Error("job permanently failed: ", reason)
	notify("Clippost publish failed permanently", fmt.Sprintf("Job `%s`: %s", jobID, reason))
}

// NotifyCredentialExpired reports a credential that needs the account owner
// to reconnect.
func NotifyCredentialExpired(accountID, reason string) {
	logrus.WithField("account_id", accountID).Error("credential expired: ", reason)
	notify("Clippost account needs reconnection", fmt.Sprintf("Account `%s`: %s", accountID, reason))
}
