// Package dmove reconciles networked object movement.
//
// The authoritative side samples each synchronized component
// (a position or rotation of a transform or rigid body)
// once per physics step and sends it when it moved enough.
// The receiving side buffers timestamped samples in a [StateBuffer]
// and, each physics step, plays them back a short "back time" behind now:
// interpolating between the two samples that bracket the playback time,
// extrapolating for a bounded time when samples stop arriving,
// and blending away the error when it switches between the two.
//
// A [Synchronizer] is generic over the sample value,
// with the blend math supplied by [Ops] ([Vec3Ops], [QuatOps])
// and the physics backend supplied by [Body].
// An [Object] groups the synchronizers of one networked entity,
// and a [Manager] batches objects onto a drift connection.
package dmove
