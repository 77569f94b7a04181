// Package security handles NVMe in-band authentication secrets.
//
// DH-HMAC-CHAP secrets travel in the textual representation nvme-cli uses
// ("DHHC-1:<hash>:<base64 key+crc>:"). This package validates that format,
// verifies the embedded CRC-32 so a mistyped secret is caught before it is
// handed to the kernel, and provides a redacted form safe to log.
package security
