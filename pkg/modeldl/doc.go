// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package modeldl downloads chunked model artifacts from a coordination
// service, with resumable transfers, per-chunk and whole-file SHA-256
// verification, adaptive fetch concurrency, and an optional post-process
// hook for compiling models into a native-inference format.
//
// The typical flow:
//
//	client, err := modeldl.New(modeldl.Config{
//		AccessKey:  "ak",
//		SecretKey:  "sk",
//		Endpoint:   "https://models.example.com/api",
//		StorageDir: "/var/lib/models",
//	})
//	if err != nil {
//		// handle
//	}
//	res, err := client.Download(ctx, "bert-base-v2", func(p modeldl.DetailedProgress) {
//		fmt.Printf("%s %.1f%%\n", p.Phase, p.Percentage)
//	})
//
// Interrupted downloads resume from the last validated chunk: progress is
// journaled to disk after every chunk, and on restart previously fetched
// chunks are re-hashed rather than re-downloaded. Partial state is
// discarded on cancellation, and when the manifest's whole-file hash or
// chunk count no longer matches the journal.
package modeldl
