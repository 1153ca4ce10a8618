// Package backend registriert alle eingebauten Tensor-Backends.
package backend

import (
	_ "github.com/ollama/assembler/ml/backend/cpu"
)
