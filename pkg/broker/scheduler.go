// Copyright 2025, 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package broker

import "time"

// tickerScheduler runs periodic tasks on a plain time.Ticker per task. It is
// the production groupmeta.Scheduler for a single-process broker; a
// multi-broker deployment could instead run sweeps through whatever
// broker-wide cron facility coordinates cluster-level housekeeping.
type tickerScheduler struct{}

func NewTickerScheduler() tickerScheduler { return tickerScheduler{} }

func (tickerScheduler) Schedule(name string, periodMs int64, fn func()) func() {
	if periodMs <= 0 {
		periodMs = 1000
	}
	ticker := time.NewTicker(time.Duration(periodMs) * time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
	}
}
