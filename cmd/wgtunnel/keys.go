package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// genkey writes a new base64 private key.
func genkey(w io.Writer) error {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, key.String())
	return err
}

// pubkey reads a base64 private key and writes its public key.
func pubkey(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	key, err := wgtypes.ParseKey(strings.TrimSpace(line))
	if err != nil {
		return fmt.Errorf("cannot parse private key: %w", err)
	}
	_, err = fmt.Fprintln(w, key.PublicKey().String())
	return err
}
