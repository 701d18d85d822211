package config

import "os"

// runningNestedEnvVar mirrors the original's environment-variable
// convention for telling a traced process it is itself being recorded
// or replayed by an outer instance of the engine.
const runningNestedEnvVar = "RR_UNDER_RR"

func runningNested() bool {
	v, ok := os.LookupEnv(runningNestedEnvVar)
	return ok && v != ""
}
