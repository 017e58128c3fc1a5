package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/clustr"
	"github.com/loykin/clustr/pkg/client"
)

func toClientProcess(p clustr.Process, alive bool) client.Process {
	return client.Process{
		ID:        p.ID,
		ClusterID: p.ClusterID,
		Type:      p.Type,
		Name:      p.Name,
		Version:   p.Version,
		Address:   p.Address,
		TCPPort:   p.TCPPort,
		UDPPort:   p.UDPPort,
		Status:    p.Status.String(),
		LastPulse: p.LastPulse,
		CreatedAt: p.CreatedAt,
		Alive:     alive,
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
