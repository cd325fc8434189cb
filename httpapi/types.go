/*
Copyright 2025.

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

package httpapi

// DataResponse wraps every successful payload
type DataResponse struct {
	Data any `json:"data"`
}

// ErrorResponse is the envelope for all error payloads
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code and human message
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the response for GET /api/v1/health
type HealthResponse struct {
	Status    string `json:"status"`
	Storage   string `json:"storage"`
	Cache     string `json:"cache"`
	ReplicaID string `json:"replicaId"`
	Enabled   bool   `json:"enabled"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
}

// CreateJobRequest is the body for POST /api/v1/jobs
type CreateJobRequest struct {
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Enabled bool           `json:"enabled"`
	Cron    string         `json:"cron,omitempty"`
	Query   string         `json:"query,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Persist bool           `json:"persist"`
	Silent  bool           `json:"silent"`
}

// UpdateJobRequest is the body for PUT /api/v1/jobs/{id}. Absent fields
// leave the stored value unchanged; a non-nil context replaces the whole
// static context.
type UpdateJobRequest struct {
	Name    *string        `json:"name,omitempty"`
	Type    *string        `json:"type,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
	Cron    *string        `json:"cron,omitempty"`
	Query   *string        `json:"query,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Persist *bool          `json:"persist,omitempty"`
	Silent  *bool          `json:"silent,omitempty"`
}

// TriggerResponse is the response for POST /api/v1/jobs/{id}/trigger
type TriggerResponse struct {
	Name      string `json:"name"`
	Triggered bool   `json:"triggered"`
}
