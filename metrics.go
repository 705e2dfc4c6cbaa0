package main

import (
	"io"
	"os"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

type metrics struct {
	log  io.Writer
	reg  gometrics.Registry
	tick time.Duration
}

var m = &metrics{
	log:  os.Stderr,
	reg:  gometrics.DefaultRegistry,
	tick: time.Duration(60) * time.Second,
}

// startMetrics reports every metric as JSON to w once per tick.
// A zero tick disables the periodic report.
func startMetrics(w io.Writer, tick time.Duration) {
	m.log = w
	m.tick = tick
	if m.tick > 0 {
		m.start()
	}
}

func finalMetrics() {
	m.writeOnce()
}

func incr(name string, i int64) {
	m.incr(name, i)
}

func decr(name string, i int64) {
	m.decr(name, i)
}

func mark(name string, i int64) {
	m.mark(name, i)
}

func count(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

func (m metrics) start() {
	go gometrics.WriteJSON(m.reg, m.tick, m.log)
}

func (m metrics) writeOnce() {
	gometrics.WriteJSONOnce(m.reg, m.log)
}

func (m metrics) incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m metrics) decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

func (m metrics) mark(name string, i int64) {
	gometrics.GetOrRegisterMeter(name, m.reg).Mark(i)
}
