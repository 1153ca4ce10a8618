package models

import (
	_ "github.com/ollama/assembler/model/models/bart"
	_ "github.com/ollama/assembler/model/models/t5"
	_ "github.com/ollama/assembler/model/models/vit"
)
