// Copyright 2025 The Orchestrator Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

// Event types carried on the bus. The bus itself does not interpret these;
// they are the shared vocabulary between emitters and subscribers.
const (
	TypeRepositoryUpdated         = "repository.updated"
	TypeRepositoryIngestionEvent  = "repository.ingestion-event"
	TypeBuildUpdated              = "build.updated"
	TypeLaunchUpdated             = "launch.updated"
	TypeServiceUpdated            = "service.updated"
	TypeWorkflowDefinitionUpdated = "workflow.definition.updated"

	TypeWorkflowRunUpdated   = "workflow.run.updated"
	TypeWorkflowRunPending   = "workflow.run.pending"
	TypeWorkflowRunRunning   = "workflow.run.running"
	TypeWorkflowRunSucceeded = "workflow.run.succeeded"
	TypeWorkflowRunFailed    = "workflow.run.failed"
	TypeWorkflowRunCanceled  = "workflow.run.canceled"
)

// RunEventType returns the status-specific event type for a run status.
func RunEventType(status string) string {
	return "workflow.run." + status
}
