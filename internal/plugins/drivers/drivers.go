// Package drivers links every built-in sink driver into the registry.
package drivers

import (
	_ "github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks/badger"
	_ "github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks/codeq"
	_ "github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks/kvrocks"
	_ "github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks/logsink"
)
