package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/kassa-tools/atol-bridge/atol"
	"gopkg.in/yaml.v3"
)

// readReceipt loads a receipt from a YAML or JSON file. JSON is read by the
// YAML decoder and then mapped onto the receipt through its JSON tags, so both
// formats use the API's field names.
func readReceipt(path string, stdin io.Reader) (atol.Receipt, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return atol.Receipt{}, fmt.Errorf("reading receipt: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return atol.Receipt{}, fmt.Errorf("parsing receipt %s: %w", path, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return atol.Receipt{}, fmt.Errorf("parsing receipt %s: expected a document, got %T", path, doc)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return atol.Receipt{}, fmt.Errorf("converting receipt %s: %w", path, err)
	}

	var receipt atol.Receipt
	if err := json.Unmarshal(encoded, &receipt); err != nil {
		return atol.Receipt{}, fmt.Errorf("decoding receipt %s: %w", path, err)
	}

	if receipt.ExternalID == "" {
		receipt.ExternalID = uuid.NewString()
	}

	return receipt, nil
}
