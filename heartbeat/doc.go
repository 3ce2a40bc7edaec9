// Package heartbeat detects workers that stop claiming fragments.
//
// Workers publish a Heartbeat on heartbeat.<service> at a fixed interval.
// A BusMonitor records when each worker was last heard from and invokes
// OnDead callbacks once per silent worker, which is how a worker.Reaper
// learns to fail the fragments a crashed worker left in progress.
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    WorkerID: "w1",
//	    Service:  "render",
//	    Interval: 5 * time.Second,
//	})
//	sender.Start(ctx)
//
//	monitor, _ := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
//	    Bus:     b,
//	    Timeout: 15 * time.Second,
//	})
//	monitor.OnDead(func(id string) { reaper.ReapWorker(id) })
//	monitor.Start()
//
// Set the timeout to two or three heartbeat intervals.
package heartbeat
