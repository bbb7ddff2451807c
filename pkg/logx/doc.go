// Package logx is a thin structured-logging layer over zerolog.
//
// Components receive a Logger (usually tagged with a "comp" field) and never
// touch zerolog directly. The Service owns the sinks and can be re-applied at
// runtime; Loggers created from it stay live across Apply calls.
package logx
