package models

import (
	"errors"
	"strings"
)

type Warehouse struct {
	ID      int64  `json:"idWarehouse"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (w *Warehouse) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("warehouse name is required")
	}
	if strings.TrimSpace(w.Address) == "" {
		return errors.New("warehouse address is required")
	}
	return nil
}
