// Package logx wraps zerolog for tripot.
//
// A Logger obtained from a Service follows every later Service.Apply, so
// components keep the logger they were built with across config reloads.
// The console sink is human readable; the file sink writes JSON lines.
package logx
