// Command vanish uploads, downloads, and deletes files on a vanishserver.
//
// A successful put prints the download link. The key is its last path
// element, and it is what get and delete expect.
package main // import "github.com/nicolagi/vanish/cmd/vanish"
