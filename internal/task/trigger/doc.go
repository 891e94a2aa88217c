// Package trigger fires task definitions on cron or interval schedules.
//
// It only decides when to submit; execution, queueing, retry and timeouts
// belong to the engine the jobs are submitted to.
package trigger
