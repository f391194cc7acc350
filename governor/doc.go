// Package governor implements the local resource-governing primitives
// that keep a battery-powered mesh node inside its means: a
// sliding-window loop budget, an adaptive polling interval, a circuit
// breaker, and a load shedder. All are built on the standard library's
// clock primitives; see DESIGN.md for why no third-party library
// serves here.
package governor
