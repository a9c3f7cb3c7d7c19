package mosaicd

// Version of the mosaicd module.
const Version = "1.0.0"
