package integration

import (
	"fmt"
	"time"
)

// TestAccount generates unique test credentials using a timestamp. The
// proof stands in for the client-side KDF output.
func TestAccount(suffix string) (email, proof string) {
	ts := time.Now().UnixNano()
	email = fmt.Sprintf("test-%d-%s@example.com", ts, suffix)
	proof = fmt.Sprintf("client-kdf-proof-%s", suffix)
	return
}

// TestKdfIterations is a low PBKDF2 cost so seeding stays fast. Below
// production floors on purpose; pair with a matching verifier floor.
const TestKdfIterations = 1000
