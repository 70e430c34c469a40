// Copyright 2025 Baton Authors
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

package trigger

// Manager bundles the trigger sources so the daemon can tear them down as a
// unit. Any field may be nil.
type Manager struct {
	Events  *Registry
	Cron    *CronScheduler
	Watcher *Watcher
}

// Close stops the cron scheduler, closes the file watcher, and unsubscribes
// event bindings, in that order, so nothing enqueues into a stopping engine.
func (m *Manager) Close() error {
	if m.Cron != nil {
		m.Cron.Stop()
	}
	var err error
	if m.Watcher != nil {
		err = m.Watcher.Close()
	}
	if m.Events != nil {
		m.Events.Close()
	}
	return err
}
