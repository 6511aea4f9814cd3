package wimpatch

// ToolVersion is embedded into every manifest produced by this build as
// PatchManifest.ToolVersion. It identifies the producing tool, not the
// patch's semantic version (which is user-supplied per invocation).
const ToolVersion = "wimpatch/0.1.0"
