// Package runtime provides environment/runtime detection helpers shared across the safety core.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// safetyStrictModeOnce caches the strict-mode check at startup.
var (
	safetyStrictModeOnce  sync.Once
	safetyStrictModeValue bool
)

// ResetSafetyStrictModeCache resets the cached strict-mode value.
// This should only be used in tests.
func ResetSafetyStrictModeCache() {
	safetyStrictModeOnce = sync.Once{}
	safetyStrictModeValue = false
}

// SafetyStrictMode returns true when safety-interlock overrides and
// emergency-stop reset must present a verified operator PIN session, with no
// simulation bypass.
//
// Production always runs strict. RVC_ALLOW_SIMULATED_PIN=1 is honored only
// outside Production, so a bench rig can exercise the safety paths without a
// physical PIN pad; a misconfigured RVC_ENV cannot silently weaken the
// boundary because Production forces strict regardless of that flag.
func SafetyStrictMode() bool {
	safetyStrictModeOnce.Do(func() {
		env := Env()
		simulatedPIN := strings.TrimSpace(os.Getenv("RVC_ALLOW_SIMULATED_PIN")) == "1"
		safetyStrictModeValue = env == Production || !simulatedPIN
	})
	return safetyStrictModeValue
}
