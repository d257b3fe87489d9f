package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"relink/pkg/handshake"
)

func newHandshakeCmd() *cobra.Command {
	var variant string
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Trace a connection-establishment exchange between two in-process endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVariant(variant)
			if err != nil {
				return err
			}
			return runHandshake(v)
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "3way", "exchange shape: 2way, 3way, or 4way")
	return cmd
}

func parseVariant(s string) (handshake.Variant, error) {
	switch s {
	case "2way", "2":
		return handshake.TwoWay, nil
	case "3way", "3":
		return handshake.ThreeWay, nil
	case "4way", "4":
		return handshake.FourWay, nil
	}
	return "", fmt.Errorf("unknown handshake variant %q", s)
}

func runHandshake(v handshake.Variant) error {
	var init, resp *handshake.Endpoint
	init = handshake.NewInitiator(v, func(s handshake.Step) error {
		printStep("initiator", s)
		return resp.HandleStep(s)
	})
	resp = handshake.NewResponder(v, func(s handshake.Step) error {
		printStep("responder", s)
		return init.HandleStep(s)
	})

	id, err := init.Open("hello")
	if err != nil {
		return err
	}
	if !init.Established(id) || !resp.Established(id) {
		return fmt.Errorf("handshake %s did not complete", id)
	}
	fmt.Printf("connection %s established on both sides\n", id)
	return nil
}

func printStep(from string, s handshake.Step) {
	if s.Seq != 0 {
		fmt.Printf("  %-9s -> %s(seq=%d)\n", from, s.Type, s.Seq)
		return
	}
	fmt.Printf("  %-9s -> %s\n", from, s.Type)
}
