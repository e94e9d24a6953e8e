/*
Copyright 2025 The Contrail Authors.

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

// Package logging holds the shared verbosity conventions for logr loggers
// across the agent. Call sites use `logger.V(logging.DEBUG)` rather than raw
// integers so that verbosity stays consistent between subsystems.
package logging

const (
	// DEFAULT is for messages an operator should see during normal operation.
	DEFAULT = 1
	// VERBOSE is for messages useful when observing steady-state behavior.
	VERBOSE = 2
	// DEBUG is for high-frequency messages useful when diagnosing a problem.
	DEBUG = 4
	// TRACE is for per-entry / per-request messages. Expensive; test builds only.
	TRACE = 5
)
