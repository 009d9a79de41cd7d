package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/didcat/didcat/pkg/hierarchy"
	"github.com/didcat/didcat/pkg/model"
)

// parseDID splits a "scope:name" argument.
func parseDID(arg string) (model.DIDRef, error) {
	scope, name, ok := strings.Cut(arg, ":")
	if !ok || scope == "" || name == "" {
		return model.DIDRef{}, fmt.Errorf("invalid DID %q, want scope:name", arg)
	}
	return model.DIDRef{Scope: scope, Name: name}, nil
}

func parseDIDs(args []string) ([]model.DIDRef, error) {
	refs := make([]model.DIDRef, 0, len(args))
	for _, arg := range args {
		ref, err := parseDID(arg)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func newScopeCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Manage scopes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <scope>",
		Short: "Register a new scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*a).engine.AddScope(cmd.Context(), args[0], (*a).account)
		},
	})
	return cmd
}

func newRegisterCmd(a **app) *cobra.Command {
	var (
		kind      string
		monotonic bool
		lifetime  time.Duration
		meta      []string
	)
	cmd := &cobra.Command{
		Use:   "register <scope:name>",
		Short: "Register a dataset or container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseDID(args[0])
			if err != nil {
				return err
			}
			t, err := model.ParseDIDType(kind)
			if err != nil {
				return err
			}
			md := make(map[string]string, len(meta))
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --meta %q, want key=value", kv)
				}
				md[k] = v
			}
			return (*a).engine.AddDID(cmd.Context(), hierarchy.NewDID{
				Scope:     ref.Scope,
				Name:      ref.Name,
				Type:      t,
				Account:   (*a).account,
				Monotonic: monotonic,
				Meta:      md,
				Lifetime:  lifetime,
			})
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", "dataset", "dataset or container")
	cmd.Flags().BoolVar(&monotonic, "monotonic", false, "forbid detaching children")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "expire the DID after this duration")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func newAttachCmd(a **app) *cobra.Command {
	var (
		rseName string
		bytes   int64
		adler32 string
		md5     string
	)
	cmd := &cobra.Command{
		Use:   "attach <parent scope:name> <child scope:name>...",
		Short: "Attach children to a dataset or container",
		Long: `Attach children to a collection. Dataset children are files; a file
not yet registered is created implicitly, which requires --bytes (and
then only a single child may be given).`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := parseDID(args[0])
			if err != nil {
				return err
			}
			if bytes > 0 && len(args) != 2 {
				return fmt.Errorf("--bytes applies to a single child")
			}
			children := make([]model.FileSpec, 0, len(args)-1)
			for _, arg := range args[1:] {
				ref, err := parseDID(arg)
				if err != nil {
					return err
				}
				children = append(children, model.FileSpec{
					Scope:   ref.Scope,
					Name:    ref.Name,
					Bytes:   bytes,
					Adler32: adler32,
					MD5:     md5,
				})
			}
			return (*a).engine.Attach(cmd.Context(), parent.Scope, parent.Name, children, (*a).account, rseName)
		},
	}
	cmd.Flags().StringVar(&rseName, "rse", "", "also place new files on this endpoint")
	cmd.Flags().Int64Var(&bytes, "bytes", 0, "size of the (single) file child")
	cmd.Flags().StringVar(&adler32, "adler32", "", "adler32 checksum of the file child")
	cmd.Flags().StringVar(&md5, "md5", "", "md5 checksum of the file child")
	return cmd
}

func newDetachCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "detach <parent scope:name> <child scope:name>...",
		Short: "Detach children from a collection",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := parseDID(args[0])
			if err != nil {
				return err
			}
			children, err := parseDIDs(args[1:])
			if err != nil {
				return err
			}
			return (*a).engine.Detach(cmd.Context(), parent.Scope, parent.Name, children)
		},
	}
}

func newCloseCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "close <scope:name>",
		Short: "Close an open collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseDID(args[0])
			if err != nil {
				return err
			}
			return (*a).engine.Close(cmd.Context(), ref.Scope, ref.Name)
		},
	}
}

func newLsCmd(a **app) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "ls <scope | scope:name>",
		Short: "List a collection's content, or a whole scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.Contains(args[0], ":") {
				for entry, err := range (*a).engine.ScopeList(cmd.Context(), args[0], "", true) {
					if err != nil {
						return err
					}
					indent := strings.Repeat("  ", entry.Level)
					fmt.Printf("%s%s:%s\t%s\n", indent, entry.Scope, entry.Name, entry.Type)
				}
				return nil
			}
			ref, err := parseDID(args[0])
			if err != nil {
				return err
			}
			if recursive {
				for entry, err := range (*a).engine.ListChildDIDs(cmd.Context(), ref.Scope, ref.Name, true) {
					if err != nil {
						return err
					}
					fmt.Printf("%s:%s\t%s\n", entry.Scope, entry.Name, entry.Type)
				}
				return nil
			}
			for assoc, err := range (*a).engine.ListContent(cmd.Context(), ref.Scope, ref.Name) {
				if err != nil {
					return err
				}
				fmt.Printf("%s:%s\t%s\n", assoc.ChildScope, assoc.ChildName, assoc.ChildType)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into child collections")
	return cmd
}

func newFilesCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "files <scope:name>",
		Short: "List every file reachable from a DID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseDID(args[0])
			if err != nil {
				return err
			}
			for f, err := range (*a).engine.ListFiles(cmd.Context(), ref.Scope, ref.Name) {
				if err != nil {
					return err
				}
				fmt.Printf("%s:%s\t%d\t%s\n", f.Scope, f.Name, f.Bytes, f.Adler32)
			}
			return nil
		},
	}
}

func newMetaCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Read and write DID metadata",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <scope:name>",
		Short: "Print a DID's metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseDID(args[0])
			if err != nil {
				return err
			}
			meta, err := (*a).engine.GetMetadata(cmd.Context(), ref.Scope, ref.Name)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(meta)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <scope:name> <key> <value>",
		Short: "Set one metadata key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseDID(args[0])
			if err != nil {
				return err
			}
			return (*a).engine.SetMetadata(cmd.Context(), ref.Scope, ref.Name, args[1], args[2])
		},
	})
	return cmd
}
