package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/replica"
)

func newReplicasCmd(a **app) *cobra.Command {
	var (
		schemes []string
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "replicas <scope:name>...",
		Short: "Resolve DIDs to physical replica URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseDIDs(args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for fr, err := range (*a).resolver.ListReplicas(cmd.Context(), refs, schemes, all) {
				if err != nil {
					return err
				}
				if err := enc.Encode(fr); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&schemes, "schemes", nil, "restrict URLs to these protocol schemes")
	cmd.Flags().BoolVar(&all, "all", false, "include unavailable replicas")
	return cmd
}

func newReplicaAddCmd(a **app) *cobra.Command {
	var (
		rseName string
		bytes   int64
		adler32 string
		md5     string
	)
	cmd := &cobra.Command{
		Use:   "add-replica <scope:name>",
		Short: "Record a file replica on an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseDID(args[0])
			if err != nil {
				return err
			}
			return replica.Add(cmd.Context(), (*a).st.DB(), rseName, []model.FileSpec{{
				Scope:   ref.Scope,
				Name:    ref.Name,
				Bytes:   bytes,
				Adler32: adler32,
				MD5:     md5,
			}}, (*a).account)
		},
	}
	cmd.Flags().StringVar(&rseName, "rse", "", "endpoint holding the replica")
	cmd.Flags().Int64Var(&bytes, "bytes", 0, "file size in bytes")
	cmd.Flags().StringVar(&adler32, "adler32", "", "adler32 checksum")
	cmd.Flags().StringVar(&md5, "md5", "", "md5 checksum")
	_ = cmd.MarkFlagRequired("rse")
	_ = cmd.MarkFlagRequired("bytes")
	return cmd
}
