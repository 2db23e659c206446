// Package heartbeat posts a Beat message to the messenger on a schedule.
//
// Schedules are either cron expressions (robfig/cron, optional seconds field,
// @descriptors) or fixed intervals ("30s", "00:05"). It is a small producer
// that keeps a running msgbusd observable and exercises the retry path.
package heartbeat
