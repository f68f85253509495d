// Package ctrfs reads, decrypts, and writes Nintendo 3DS (CTR) console files
// and containers.
//
// It models the 3DS AES keyslot bank and key scrambler in the crypto3ds
// subpackage, a small set of seekable byte-stream primitives in ioutil, and
// a reader per container format (ncch, exefs, romfs, cia, cci, cdn, tmd,
// nand, save, sdcard, smdh) that compose those primitives into decrypted
// views of nested sub-regions.
//
// This module is a library. It does not ship a command-line entry point;
// config discovery and CLI wiring are external collaborator concerns left
// to the host binary, though the config subpackage provides a loader for
// them to use.
package ctrfs
