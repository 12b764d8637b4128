// Package events implements the in-process broadcast broker that fans
// session state changes out to UI event-stream responders. Publishers never
// block: slow subscribers drop events rather than stalling the poller.
package events
