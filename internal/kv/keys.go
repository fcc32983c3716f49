package kv

import "fmt"

func ReportKey(id string) string {
	return fmt.Sprintf("cs:tester:report:%s", id)
}

func SuiteIndexKey(suite string) string {
	return fmt.Sprintf("cs:tester:suite:%s:reports", suite)
}

func SuitesKey() string {
	return "cs:tester:suites"
}
