// Package logx is remindbot's structured logger, a thin layer over zerolog.
//
// Console output is human readable with a short caller. The optional file
// sink writes JSON lines. The optional alert sink forwards warnings and
// errors to an operator chat, rate limited and never blocking the caller.
package logx
