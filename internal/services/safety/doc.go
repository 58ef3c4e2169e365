// Package safety computes and verifies safety numbers.
//
// A safety number is a 60-digit rendering, plus a QR payload, of both
// identity public keys. Users compare it out of band to detect a
// man-in-the-middle on the directory.
package safety
