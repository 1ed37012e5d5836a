// Package embedded carries the K210 SRAM flash-bootloader image that
// InstallFlashBootloader uploads before booting it. The image is
// opaque to this repository; it is produced by the Kendryte SDK and
// simply embedded as bytes.
package embedded

import (
	_ "embed"
)

//go:embed bootloader.bin
var bootloader []byte

// Bootloader returns the embedded SRAM flash-bootloader image.
func Bootloader() []byte {
	return bootloader
}
