// Package logx wraps zerolog behind a small Field-based API so components
// can log structured events without importing zerolog directly, and so log
// level/sinks can be swapped at runtime via Service.Apply.
package logx
