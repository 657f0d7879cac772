// Command gungnir-client is a thin line-oriented driver for issuing
// GET/PUT/ERASE/SCAN requests against a running gungnir-server. It is
// a convenience wrapper around internal/transport.Client, not part of
// the core protocol surface. Subcommand dispatch follows the shape of
// _examples/matteso1-sentinel/cmd/sentinel-cli/main.go, restated with
// cobra subcommands instead of a hand-rolled switch over os.Args.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gungnirdb/gungnir/internal/config"
	"github.com/gungnirdb/gungnir/internal/transport"
	"github.com/gungnirdb/gungnir/internal/wireformat"
)

var requestTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "gungnir-client",
	Short: "Issue GET/PUT/ERASE/SCAN requests against a Gungnir server",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	config.BindClientFlags(rootCmd)
	rootCmd.AddCommand(getCmd, putCmd, eraseCmd, scanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*transport.Client, error) {
	cfg := config.LoadClientConfig()
	return transport.Dial(cfg.Connect, "")
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch the value for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		req := make([]byte, wireformat.RequestCommonSize+8)
		wireformat.EncodeRequestCommon(req, wireformat.RequestCommon{Opcode: wireformat.OpGet})
		binary.LittleEndian.PutUint64(req[wireformat.RequestCommonSize:], key)

		resp, err := c.RequestRetrying(req, requestTimeout)
		if err != nil {
			return err
		}
		common := wireformat.DecodeResponseCommon(resp)
		if common.Status != wireformat.StatusOK {
			return fmt.Errorf("server returned %s", common.Status)
		}
		vlen := binary.LittleEndian.Uint32(resp[wireformat.ResponseCommonSize:])
		value := resp[wireformat.ResponseCommonSize+4 : wireformat.ResponseCommonSize+4+int(vlen)]
		fmt.Println(string(value))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value for a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		value := []byte(args[1])
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		req := make([]byte, wireformat.RequestCommonSize+8+8+len(value))
		wireformat.EncodeRequestCommon(req, wireformat.RequestCommon{Opcode: wireformat.OpPut})
		off := wireformat.RequestCommonSize
		binary.LittleEndian.PutUint64(req[off:], key)
		off += 8
		binary.LittleEndian.PutUint64(req[off:], uint64(len(value)))
		off += 8
		copy(req[off:], value)

		resp, err := c.RequestRetrying(req, requestTimeout)
		if err != nil {
			return err
		}
		common := wireformat.DecodeResponseCommon(resp)
		if common.Status != wireformat.StatusOK {
			return fmt.Errorf("server returned %s", common.Status)
		}
		fmt.Println("OK")
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		req := make([]byte, wireformat.RequestCommonSize+8)
		wireformat.EncodeRequestCommon(req, wireformat.RequestCommon{Opcode: wireformat.OpErase})
		binary.LittleEndian.PutUint64(req[wireformat.RequestCommonSize:], key)

		resp, err := c.RequestRetrying(req, requestTimeout)
		if err != nil {
			return err
		}
		common := wireformat.DecodeResponseCommon(resp)
		if common.Status != wireformat.StatusOK {
			return fmt.Errorf("server returned %s", common.Status)
		}
		fmt.Println("OK")
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <start-key> <end-key>",
	Short: "List key/value pairs in the inclusive range [start-key, end-key]",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid start key: %w", err)
		}
		end, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid end key: %w", err)
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		req := make([]byte, wireformat.RequestCommonSize+16)
		wireformat.EncodeRequestCommon(req, wireformat.RequestCommon{Opcode: wireformat.OpScan})
		off := wireformat.RequestCommonSize
		binary.LittleEndian.PutUint64(req[off:], start)
		binary.LittleEndian.PutUint64(req[off+8:], end)

		resp, err := c.RequestRetrying(req, requestTimeout)
		if err != nil {
			return err
		}
		common := wireformat.DecodeResponseCommon(resp)
		if common.Status != wireformat.StatusOK {
			return fmt.Errorf("server returned %s", common.Status)
		}
		count := binary.LittleEndian.Uint32(resp[wireformat.ResponseCommonSize:])
		off = wireformat.ResponseCommonSize + 4
		for i := uint32(0); i < count; i++ {
			key := binary.LittleEndian.Uint64(resp[off:])
			off += 8
			vlen := binary.LittleEndian.Uint32(resp[off:])
			off += 4
			value := resp[off : off+int(vlen)]
			off += int(vlen)
			fmt.Printf("%d\t%s\n", key, string(value))
		}
		return nil
	},
}
