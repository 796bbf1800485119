// Adbkeygen generates or inspects the RSA key pair the droidwire CLI
// authenticates with.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/1ureka/droidwire/auth"
)

func main() {
	out := flag.String("out", "key.pem", "Where to write the private key PEM")
	comment := flag.String("comment", "droidwire", "Public key comment")
	show := flag.String("show", "", "Print the public key of an existing PEM instead of generating")
	flag.Parse()

	if *show != "" {
		key, err := auth.LoadKeyPair(*show, *comment)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		pub, err := key.PublicKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(pub))
		return
	}

	key, err := auth.GenerateKeyPair(*comment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := key.Save(*out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	pub, err := key.PublicKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\npublic key:\n%s\n", *out, string(pub))
}
