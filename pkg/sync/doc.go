/*
The sync package contains the data model shared by the deploy engine and the
collaborators that feed it.

A deployment compares two flat lists of Records:
1) The local snapshot -- every file and folder under the local directory that
   isn't excluded, with a content hash for each file.
2) The remote state -- the snapshot that was uploaded to the server as the
   state file at the end of the previous successful deployment.

HashDiff turns the pair into a DiffResult: records that only exist locally
are uploaded, records that only exist remotely are deleted, and files whose
hash changed are replaced.

The remote tree is never listed. The state file is the only source of truth
about what is on the server, so files edited out-of-band won't be noticed
until their local copy changes.
*/
package sync
