// Package logx is a small wrapper around zerolog used across dispatchd.
//
// It exists to keep:
//   - a zero-value-safe Logger that components can embed before wiring,
//   - hot-swappable sinks (console/file) driven by config reloads,
//   - a compact Field API so call sites stay uniform.
package logx
